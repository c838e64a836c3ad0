package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/domain/directory"
	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
	"github.com/clinicops/portal/internal/platform/events"
)

// ScheduleCommand books a slot directly, without a patient request.
type ScheduleCommand struct {
	PatientID uuid.UUID `json:"patient_id" validate:"required"`
	DoctorID  uuid.UUID `json:"doctor_id" validate:"required"`
	Date      string    `json:"date" validate:"required,date"`
	Time      string    `json:"time" validate:"required,clock"`
	Reason    string    `json:"reason" validate:"max=2000"`
	Actor     string    `json:"-"`
}

// TransitionCommand completes or cancels an appointment. A non-nil
// DoctorID restricts the change to that doctor's own appointments.
type TransitionCommand struct {
	AppointmentID uuid.UUID
	DoctorID      uuid.UUID
	Reason        string
	Actor         string
}

// Scheduler is the staff-facing service over the ledger.
type Scheduler struct {
	ledger    Ledger
	directory directory.Directory
	publisher events.Publisher
	clock     clock.Clock
	slots     Slots
	logger    zerolog.Logger
}

func NewScheduler(l Ledger, dir directory.Directory, pub events.Publisher, clk clock.Clock, slots Slots, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		ledger:    l,
		directory: dir,
		publisher: pub,
		clock:     clk,
		slots:     slots,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// ResolveDoctor returns the directory entry for id, failing validation when
// it is unknown or not a doctor.
func ResolveDoctor(ctx context.Context, dir directory.Directory, op string, id uuid.UUID) (*directory.User, error) {
	u, err := dir.ResolveUser(ctx, id)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.Validation(op, "doctor %s does not exist", id)
		}
		return nil, err
	}
	if !u.IsDoctor() {
		return nil, apperr.Validation(op, "user %s is not a doctor", id)
	}
	return u, nil
}

func (s *Scheduler) Schedule(ctx context.Context, cmd ScheduleCommand) (*Appointment, error) {
	const op = "ledger.Schedule"
	if cmd.PatientID == uuid.Nil {
		return nil, apperr.Validation(op, "patient_id is required")
	}
	if _, err := ResolveDoctor(ctx, s.directory, op, cmd.DoctorID); err != nil {
		return nil, err
	}
	start, end, err := s.slots.Resolve(op, cmd.Date, cmd.Time)
	if err != nil {
		return nil, err
	}

	a := &Appointment{
		PatientID: cmd.PatientID,
		DoctorID:  cmd.DoctorID,
		Start:     start,
		End:       end,
		Status:    status.AppointmentConfirmed,
		Reason:    strings.TrimSpace(cmd.Reason),
	}
	if _, err := s.ledger.Create(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("appointment_id", a.ID.String()).Str("doctor_id", a.DoctorID.String()).
		Time("start", a.Start).Str("actor", cmd.Actor).Msg("appointment scheduled")

	s.emit(ctx, events.AppointmentScheduled, a, cmd.Actor)
	return a, nil
}

func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.ledger.Get(ctx, id)
}

func (s *Scheduler) Query(ctx context.Context, f Filter) ([]Appointment, error) {
	return s.ledger.Query(ctx, f)
}

// DoctorToday lists every appointment of doctorID on the current clinic day.
func (s *Scheduler) DoctorToday(ctx context.Context, doctorID uuid.UUID) ([]Appointment, error) {
	from, to := s.slots.Day(s.clock.Now())
	return s.ledger.Query(ctx, Filter{DoctorID: &doctorID, From: &from, To: &to})
}

// DoctorUpcoming lists the active appointments of doctorID starting from now.
func (s *Scheduler) DoctorUpcoming(ctx context.Context, doctorID uuid.UUID) ([]Appointment, error) {
	now := s.clock.Now()
	return s.ledger.Query(ctx, Filter{
		DoctorID: &doctorID,
		Statuses: []status.AppointmentStatus{status.AppointmentPending, status.AppointmentConfirmed},
		From:     &now,
	})
}

func (s *Scheduler) Complete(ctx context.Context, cmd TransitionCommand) (*Appointment, error) {
	return s.transition(ctx, "ledger.Complete", cmd, status.AppointmentCompleted, events.AppointmentCompleted)
}

func (s *Scheduler) Cancel(ctx context.Context, cmd TransitionCommand) (*Appointment, error) {
	return s.transition(ctx, "ledger.Cancel", cmd, status.AppointmentCancelled, events.AppointmentCancelled)
}

func (s *Scheduler) transition(ctx context.Context, op string, cmd TransitionCommand, to status.AppointmentStatus, eventType string) (*Appointment, error) {
	a, err := s.ledger.Get(ctx, cmd.AppointmentID)
	if err != nil {
		return nil, err
	}
	if cmd.DoctorID != uuid.Nil && a.DoctorID != cmd.DoctorID {
		// Another doctor's appointment is reported as missing.
		return nil, apperr.NotFound(op, "appointment", cmd.AppointmentID)
	}
	if a.Status == to {
		return a, nil
	}
	if !a.Status.CanTransition(to) {
		return nil, apperr.Validation(op, "appointment %s is %s and cannot become %s", a.ID, a.Status, to)
	}

	a.Status = to
	if to == status.AppointmentCancelled {
		a.CancellationReason = strings.TrimSpace(cmd.Reason)
	}
	if err := s.ledger.Update(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("appointment_id", a.ID.String()).Str("status", string(to)).
		Str("actor", cmd.Actor).Msg("appointment status changed")

	s.emit(ctx, eventType, a, cmd.Actor)
	return a, nil
}

func (s *Scheduler) emit(ctx context.Context, typ string, a *Appointment, actor string) {
	e := events.New(typ, s.clock.Now(), a.PatientID)
	id, doctor := a.ID, a.DoctorID
	e.AppointmentID, e.DoctorID, e.Actor = &id, &doctor, actor
	if a.RequestID != nil {
		e.RequestID = *a.RequestID
	}
	events.Emit(ctx, s.publisher, s.logger, e)
}
