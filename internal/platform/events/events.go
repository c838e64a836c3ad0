// Package events publishes workflow notifications after a state change has
// been committed. Publishing is best effort: callers log failures and move on.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	RequestSubmitted     = "request.submitted"
	RequestApproved      = "request.approved"
	RequestDeclined      = "request.declined"
	AppointmentScheduled = "appointment.scheduled"
	AppointmentCompleted = "appointment.completed"
	AppointmentCancelled = "appointment.cancelled"
)

// Event is the envelope routed by Type.
type Event struct {
	ID            uuid.UUID         `json:"id"`
	Type          string            `json:"type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	RequestID     int64             `json:"request_id,omitempty"`
	AppointmentID *uuid.UUID        `json:"appointment_id,omitempty"`
	PatientID     uuid.UUID         `json:"patient_id"`
	DoctorID      *uuid.UUID        `json:"doctor_id,omitempty"`
	Actor         string            `json:"actor,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// New stamps an event with a fresh id.
func New(typ string, at time.Time, patientID uuid.UUID) Event {
	return Event{ID: uuid.New(), Type: typ, OccurredAt: at, PatientID: patientID}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the log instead of a broker. Used when no
// AMQP_URL is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	ev := p.logger.Info().
		Str("event", e.Type).
		Str("event_id", e.ID.String()).
		Str("patient_id", e.PatientID.String())
	if e.RequestID != 0 {
		ev = ev.Int64("request_id", e.RequestID)
	}
	if e.AppointmentID != nil {
		ev = ev.Str("appointment_id", e.AppointmentID.String())
	}
	ev.Msg("domain event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Emit publishes e and logs a failure instead of returning it. Used after a
// state change has committed, when the caller's outcome no longer depends on
// the broker.
func Emit(ctx context.Context, p Publisher, logger zerolog.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn().Err(err).Str("event", e.Type).Str("event_id", e.ID.String()).Msg("failed to publish event")
	}
}
