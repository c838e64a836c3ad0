// Package ledger is the authoritative appointment book. Every implementation
// guarantees that a doctor's active appointments never overlap.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
)

type Appointment struct {
	ID                 uuid.UUID                `json:"appointment_id"`
	PatientID          uuid.UUID                `json:"patient_id"`
	DoctorID           uuid.UUID                `json:"doctor_id"`
	Start              time.Time                `json:"start"`
	End                time.Time                `json:"end"`
	Status             status.AppointmentStatus `json:"status"`
	Reason             string                   `json:"reason,omitempty"`
	RequestID          *int64                   `json:"request_id,omitempty"`
	CancellationReason string                   `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// Filter narrows Query. Zero fields match everything; From and To bound the
// start time as [From, To).
type Filter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	RequestID *int64
	Statuses  []status.AppointmentStatus
	From      *time.Time
	To        *time.Time
}

func (f Filter) Matches(a *Appointment) bool {
	if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.RequestID != nil && (a.RequestID == nil || *a.RequestID != *f.RequestID) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && a.Start.Before(*f.From) {
		return false
	}
	if f.To != nil && !a.Start.Before(*f.To) {
		return false
	}
	return true
}

// SameSlot reports whether b books the same patient, doctor and interval.
func (a *Appointment) SameSlot(b *Appointment) bool {
	return a.PatientID == b.PatientID && a.DoctorID == b.DoctorID &&
		a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

func (a Appointment) clone() Appointment {
	out := a
	if a.RequestID != nil {
		v := *a.RequestID
		out.RequestID = &v
	}
	return out
}

func validate(op string, a *Appointment) error {
	switch {
	case a.PatientID == uuid.Nil:
		return apperr.Validation(op, "patient id is required")
	case a.DoctorID == uuid.Nil:
		return apperr.Validation(op, "doctor id is required")
	case a.Start.IsZero() || a.End.IsZero():
		return apperr.Validation(op, "start and end are required")
	case !a.End.After(a.Start):
		return apperr.Validation(op, "end must be after start")
	case !a.Status.Valid():
		return apperr.Validation(op, "invalid appointment status %q", a.Status)
	}
	return nil
}
