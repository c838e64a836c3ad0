package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
)

// Overlaps reports whether the half-open intervals [s1,e1) and [s2,e2)
// intersect. Back-to-back slots do not overlap.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// IsActive reports whether an appointment in st blocks its slot.
func IsActive(st status.AppointmentStatus) bool {
	return st.Active()
}

// FindConflict returns the first active appointment of doctorID among
// candidates that overlaps [start,end), ignoring excludeID.
func FindConflict(candidates []Appointment, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) *Appointment {
	for i := range candidates {
		c := &candidates[i]
		if c.ID == excludeID || c.DoctorID != doctorID || !IsActive(c.Status) {
			continue
		}
		if Overlaps(start, end, c.Start, c.End) {
			return c
		}
	}
	return nil
}

func conflictError(op string, blocking *Appointment) error {
	return apperr.Conflict(op, "doctor already has an appointment in this slot", map[string]string{
		"appointment_id": blocking.ID.String(),
		"doctor_id":      blocking.DoctorID.String(),
		"start":          blocking.Start.Format(time.RFC3339),
		"end":            blocking.End.Format(time.RFC3339),
	})
}
