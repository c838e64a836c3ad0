package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/portal/internal/domain/status"
)

const recentActivity = 5

type DoctorRef struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Visits int       `json:"visits"`
}

// Summary is the patient dashboard.
type Summary struct {
	Upcoming      int               `json:"upcoming"`
	Completed     int               `json:"completed"`
	Pending       int               `json:"pending"`
	Next          *AppointmentView  `json:"next,omitempty"`
	PrimaryDoctor *DoctorRef        `json:"primary_doctor,omitempty"`
	Recent        []AppointmentView `json:"recent"`
}

// Summary derives the dashboard from View. A confirmed appointment whose
// slot has ended counts as completed.
func (e *Engine) Summary(ctx context.Context, patientID uuid.UUID, now time.Time) (*Summary, error) {
	views, err := e.View(ctx, patientID)
	if err != nil {
		return nil, err
	}

	s := &Summary{Recent: make([]AppointmentView, 0, recentActivity)}
	visits := make(map[uuid.UUID]*DoctorRef)
	lastSeen := make(map[uuid.UUID]time.Time)

	for i := range views {
		v := &views[i]
		if len(s.Recent) < recentActivity {
			s.Recent = append(s.Recent, *v)
		}
		booked := v.AppointmentID != nil
		switch {
		case v.Status == status.AppointmentCompleted,
			booked && v.Status == status.AppointmentConfirmed && !v.End.After(now):
			s.Completed++
		case booked && v.Status.Active() && !v.Start.Before(now):
			s.Upcoming++
			if s.Next == nil || v.Start.Before(s.Next.Start) {
				next := *v
				s.Next = &next
			}
		case !booked && v.Status == status.AppointmentPending:
			s.Pending++
		}

		if booked && v.DoctorID != nil && v.Status != status.AppointmentCancelled && v.Status != status.AppointmentDeclined {
			ref, ok := visits[*v.DoctorID]
			if !ok {
				ref = &DoctorRef{ID: *v.DoctorID, Name: v.DoctorName}
				visits[*v.DoctorID] = ref
			}
			ref.Visits++
			if v.Start.After(lastSeen[*v.DoctorID]) {
				lastSeen[*v.DoctorID] = v.Start
			}
		}
	}

	for id, ref := range visits {
		if s.PrimaryDoctor == nil || outranks(ref, lastSeen[id], s.PrimaryDoctor, lastSeen[s.PrimaryDoctor.ID]) {
			s.PrimaryDoctor = ref
		}
	}
	return s, nil
}

// outranks orders doctors by visits, then most recent visit, then id.
func outranks(a *DoctorRef, aSeen time.Time, b *DoctorRef, bSeen time.Time) bool {
	if a.Visits != b.Visits {
		return a.Visits > b.Visits
	}
	if !aSeen.Equal(bSeen) {
		return aSeen.After(bSeen)
	}
	return a.ID.String() < b.ID.String()
}
