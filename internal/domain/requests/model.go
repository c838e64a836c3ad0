// Package requests owns patient-submitted appointment requests. A request is
// tracked here until a secretary approves or declines it; once approved it
// points at the ledger appointment it produced.
package requests

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

type Request struct {
	ID                  int64          `json:"request_id"`
	PatientID           uuid.UUID      `json:"patient_id"`
	PatientName         string         `json:"patient_name,omitempty"`
	PatientPhone        string         `json:"patient_phone,omitempty"`
	PatientEmail        string         `json:"patient_email,omitempty"`
	SymptomsDescription string         `json:"symptoms_description"`
	PreferredSpecialty  string         `json:"preferred_specialty,omitempty"`
	UrgencyLevel        status.Urgency `json:"urgency_level"`
	PreferredDate       string         `json:"preferred_date,omitempty"`
	PreferredTime       string         `json:"preferred_time,omitempty"`
	AdditionalComments  string         `json:"additional_comments,omitempty"`
	SubmittedAt         time.Time      `json:"submitted_at"`

	Status             status.RequestStatus `json:"status"`
	AssignedDoctorID   *uuid.UUID           `json:"assigned_doctor_id,omitempty"`
	AssignedDoctorName string               `json:"assigned_doctor_name,omitempty"`
	ConfirmedStart     *time.Time           `json:"confirmed_start,omitempty"`
	ConfirmedEnd       *time.Time           `json:"confirmed_end,omitempty"`
	SecretaryComments  string               `json:"secretary_comments,omitempty"`
	ProcessedAt        *time.Time           `json:"processed_at,omitempty"`
	ProcessedBy        string               `json:"processed_by,omitempty"`

	// LinkedAppointmentID is set on first approval and never changes.
	LinkedAppointmentID *uuid.UUID `json:"linked_appointment_id,omitempty"`
}

// ApproveParams is the audit and linkage data recorded on approval.
type ApproveParams struct {
	DoctorID            uuid.UUID
	DoctorName          string
	Start               time.Time
	End                 time.Time
	Comments            string
	Actor               string
	LinkedAppointmentID uuid.UUID
}

// PreferredStart combines PreferredDate and PreferredTime in loc. A date
// without a time means midnight. ok is false when no usable date is set.
func (r *Request) PreferredStart(loc *time.Location) (time.Time, bool) {
	if r.PreferredDate == "" {
		return time.Time{}, false
	}
	if r.PreferredTime != "" {
		if t, err := time.ParseInLocation(DateLayout+" "+ClockLayout, r.PreferredDate+" "+r.PreferredTime, loc); err == nil {
			return t, true
		}
	}
	t, err := time.ParseInLocation(DateLayout, r.PreferredDate, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SameSlot reports whether the request is already approved for exactly this
// doctor and start.
func (r *Request) SameSlot(doctorID uuid.UUID, start time.Time) bool {
	return r.Status == status.RequestApproved &&
		r.AssignedDoctorID != nil && *r.AssignedDoctorID == doctorID &&
		r.ConfirmedStart != nil && r.ConfirmedStart.Equal(start)
}

// Clone returns a deep copy so callers never share pointers with the store.
func (r Request) Clone() Request {
	out := r
	out.AssignedDoctorID = cloneUUID(r.AssignedDoctorID)
	out.LinkedAppointmentID = cloneUUID(r.LinkedAppointmentID)
	out.ConfirmedStart = cloneTime(r.ConfirmedStart)
	out.ConfirmedEnd = cloneTime(r.ConfirmedEnd)
	out.ProcessedAt = cloneTime(r.ProcessedAt)
	return out
}

func cloneUUID(p *uuid.UUID) *uuid.UUID {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// applyApprove mutates r per the approval rules shared by every Store. It
// returns false when r already holds exactly this approval.
func applyApprove(r *Request, p ApproveParams, now time.Time) (bool, error) {
	const op = "requests.Approve"
	switch r.Status {
	case status.RequestDeclined:
		return false, apperr.Validation(op, "request %d was declined and cannot be approved", r.ID)
	case status.RequestPending, status.RequestApproved:
	default:
		return false, apperr.Validation(op, "request %d has unknown status %q", r.ID, r.Status)
	}
	if p.LinkedAppointmentID == uuid.Nil {
		return false, apperr.Validation(op, "linked appointment id is required")
	}
	if r.LinkedAppointmentID != nil && *r.LinkedAppointmentID != p.LinkedAppointmentID {
		return false, apperr.Concurrency(op, "request %d is already linked to appointment %s", r.ID, *r.LinkedAppointmentID)
	}

	if r.Status == status.RequestApproved && r.SameSlot(p.DoctorID, p.Start) &&
		r.ConfirmedEnd != nil && r.ConfirmedEnd.Equal(p.End) &&
		r.SecretaryComments == p.Comments {
		return false, nil
	}

	doctorID, linked, start, end, at := p.DoctorID, p.LinkedAppointmentID, p.Start, p.End, now
	r.Status = status.RequestApproved
	r.AssignedDoctorID = &doctorID
	r.AssignedDoctorName = p.DoctorName
	r.ConfirmedStart = &start
	r.ConfirmedEnd = &end
	r.SecretaryComments = p.Comments
	r.ProcessedAt = &at
	r.ProcessedBy = p.Actor
	r.LinkedAppointmentID = &linked
	return true, nil
}

// applyDecline mutates r per the decline rules. Declining twice is a no-op;
// declining an approved request is refused because its appointment must be
// cancelled through the ledger instead.
func applyDecline(r *Request, reason, actor string, now time.Time) (bool, error) {
	switch r.Status {
	case status.RequestDeclined:
		return false, nil
	case status.RequestApproved:
		return false, apperr.Validation("requests.Decline",
			"request %d is already approved; cancel its appointment instead", r.ID)
	}
	at := now
	r.Status = status.RequestDeclined
	r.SecretaryComments = reason
	r.ProcessedAt = &at
	r.ProcessedBy = actor
	r.AssignedDoctorID = nil
	r.AssignedDoctorName = ""
	r.ConfirmedStart = nil
	r.ConfirmedEnd = nil
	return true, nil
}

// prepareNew fills the defaults of a request about to be added.
func prepareNew(r *Request, now time.Time) error {
	if r.PatientID == uuid.Nil {
		return apperr.Validation("requests.Add", "patient id is required")
	}
	if r.Status == "" {
		r.Status = status.RequestPending
	}
	if r.UrgencyLevel == "" {
		r.UrgencyLevel = status.UrgencyMedium
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = now
	}
	return nil
}
