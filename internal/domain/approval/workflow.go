// Package approval turns pending requests into ledger appointments, or
// declines them. Each request is processed under its own lock so it can never
// be approved or declined twice concurrently.
package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/domain/directory"
	"github.com/clinicops/portal/internal/domain/ledger"
	"github.com/clinicops/portal/internal/domain/requests"
	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
	"github.com/clinicops/portal/internal/platform/events"
	"github.com/clinicops/portal/internal/platform/lock"
)

type ApproveCommand struct {
	RequestID int64     `json:"-"`
	DoctorID  uuid.UUID `json:"doctor_id" validate:"required"`
	Date      string    `json:"date" validate:"required,date"`
	Time      string    `json:"time" validate:"required,clock"`
	Comments  string    `json:"comments" validate:"max=2000"`
	Actor     string    `json:"-"`
}

type DeclineCommand struct {
	RequestID int64  `json:"-"`
	Reason    string `json:"reason" validate:"max=2000"`
	Actor     string `json:"-"`
}

// Result is the state after an approval. Changed is false when the call was
// an idempotent repeat.
type Result struct {
	Request     *requests.Request   `json:"request"`
	Appointment *ledger.Appointment `json:"appointment,omitempty"`
	Changed     bool                `json:"changed"`
}

type Workflow struct {
	requests  requests.Store
	ledger    ledger.Ledger
	directory directory.Directory
	locker    lock.Locker
	publisher events.Publisher
	clock     clock.Clock
	slots     ledger.Slots
	logger    zerolog.Logger
}

func NewWorkflow(store requests.Store, l ledger.Ledger, dir directory.Directory, locker lock.Locker,
	pub events.Publisher, clk clock.Clock, slots ledger.Slots, logger zerolog.Logger) *Workflow {
	return &Workflow{
		requests:  store,
		ledger:    l,
		directory: dir,
		locker:    locker,
		publisher: pub,
		clock:     clk,
		slots:     slots,
		logger:    logger.With().Str("component", "approval").Logger(),
	}
}

func lockKey(id int64) string { return fmt.Sprintf("request:%d", id) }

// retryOnce runs fn again after a persistence failure. Other errors, and a
// second persistence failure, are returned as is.
func retryOnce[T any](ctx context.Context, logger zerolog.Logger, op string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || !apperr.IsRetryable(err) || ctx.Err() != nil {
		return v, err
	}
	logger.Warn().Err(err).Str("op", op).Msg("persistence failure, retrying once")
	return fn()
}

// maybeApplied reports a write whose outcome is unknown after the retry.
func maybeApplied(op string, id int64, err error) error {
	if !apperr.IsRetryable(err) {
		return err
	}
	return &apperr.Error{
		Kind:    apperr.KindPersistence,
		Op:      op,
		Message: fmt.Sprintf("request %d may or may not have been updated; re-check it before retrying", id),
		Err:     err,
	}
}

func (w *Workflow) Approve(ctx context.Context, cmd ApproveCommand) (*Result, error) {
	const op = "approval.Approve"
	if cmd.RequestID <= 0 {
		return nil, apperr.Validation(op, "request id is required")
	}
	doctor, err := ledger.ResolveDoctor(ctx, w.directory, op, cmd.DoctorID)
	if err != nil {
		return nil, err
	}
	start, end, err := w.slots.Resolve(op, cmd.Date, cmd.Time)
	if err != nil {
		return nil, err
	}
	comments := strings.TrimSpace(cmd.Comments)

	unlock, err := w.locker.Lock(ctx, lockKey(cmd.RequestID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := retryOnce(ctx, w.logger, op, func() (*requests.Request, error) {
		return w.requests.GetByID(ctx, cmd.RequestID)
	})
	if err != nil {
		return nil, maybeApplied(op, cmd.RequestID, err)
	}
	switch req.Status {
	case status.RequestDeclined:
		return nil, apperr.Validation(op, "request %d was declined and cannot be approved", req.ID)
	case status.RequestApproved:
		if req.SameSlot(doctor.ID, start) {
			return w.unchanged(ctx, req)
		}
	}

	appt, existing, err := w.resolveTarget(ctx, op, req)
	if err != nil {
		return nil, err
	}
	rescheduled := req.Status == status.RequestApproved
	requestID := req.ID
	appt.PatientID = req.PatientID
	appt.DoctorID = doctor.ID
	appt.Start, appt.End = start, end
	appt.Status = status.AppointmentConfirmed
	appt.Reason = req.SymptomsDescription
	appt.RequestID = &requestID

	// The ledger is written first: a request must never read as approved
	// without the slot it points to.
	_, err = retryOnce(ctx, w.logger, op, func() (uuid.UUID, error) {
		if existing {
			return appt.ID, w.ledger.Update(ctx, appt)
		}
		return w.ledger.Create(ctx, appt)
	})
	if err != nil {
		return nil, maybeApplied(op, req.ID, err)
	}

	updated, err := retryOnce(ctx, w.logger, op, func() (*requests.Request, error) {
		return w.requests.Approve(ctx, req.ID, requests.ApproveParams{
			DoctorID:            doctor.ID,
			DoctorName:          doctor.Name,
			Start:               start,
			End:                 end,
			Comments:            comments,
			Actor:               cmd.Actor,
			LinkedAppointmentID: appt.ID,
		})
	})
	if err != nil {
		// The appointment carries the request id, so the next attempt adopts it.
		w.logger.Error().Err(err).Int64("request_id", req.ID).Str("appointment_id", appt.ID.String()).
			Msg("appointment written but request not marked approved")
		return nil, maybeApplied(op, req.ID, err)
	}

	w.logger.Info().Int64("request_id", req.ID).Str("appointment_id", appt.ID.String()).
		Str("doctor_id", doctor.ID.String()).Time("start", start).Bool("rescheduled", rescheduled).
		Str("actor", cmd.Actor).Msg("request approved")

	e := events.New(events.RequestApproved, w.clock.Now(), req.PatientID)
	apptID, doctorID := appt.ID, doctor.ID
	e.RequestID, e.AppointmentID, e.DoctorID, e.Actor = req.ID, &apptID, &doctorID, cmd.Actor
	e.Attributes = map[string]string{"start": start.Format(ledger.DateLayout + " " + ledger.ClockLayout)}
	if rescheduled {
		e.Attributes["rescheduled"] = "true"
	}
	events.Emit(ctx, w.publisher, w.logger, e)

	return &Result{Request: updated, Appointment: appt, Changed: true}, nil
}

func (w *Workflow) unchanged(ctx context.Context, req *requests.Request) (*Result, error) {
	res := &Result{Request: req}
	if req.LinkedAppointmentID != nil {
		a, err := w.ledger.Get(ctx, *req.LinkedAppointmentID)
		if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			return nil, err
		}
		res.Appointment = a
	}
	return res, nil
}

// resolveTarget picks the ledger entry an approval writes to: the linked
// appointment, an orphan left by an earlier attempt for the same request, or
// a new entry with a pre-assigned id. existing reports whether it is already
// stored.
func (w *Workflow) resolveTarget(ctx context.Context, op string, req *requests.Request) (*ledger.Appointment, bool, error) {
	if req.LinkedAppointmentID != nil {
		a, err := w.ledger.Get(ctx, *req.LinkedAppointmentID)
		switch {
		case err == nil:
			if !a.Status.Active() {
				return nil, false, apperr.Validation(op, "appointment %s is %s and cannot be rescheduled", a.ID, a.Status)
			}
			return a, true, nil
		case apperr.IsKind(err, apperr.KindNotFound):
			// Recreate under the linked id so the linkage stays valid.
			return &ledger.Appointment{ID: *req.LinkedAppointmentID}, false, nil
		default:
			return nil, false, err
		}
	}

	orphans, err := w.orphans(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if len(orphans) > 0 {
		w.logger.Info().Int64("request_id", req.ID).Str("appointment_id", orphans[0].ID.String()).
			Msg("adopting appointment from an earlier attempt")
		return &orphans[0], true, nil
	}
	return &ledger.Appointment{ID: uuid.New()}, false, nil
}

// orphans returns the active ledger entries an interrupted approval left for
// req: they carry its id and patient but the request was never linked.
// Request ids restart after a reset, so the patient must match too.
func (w *Workflow) orphans(ctx context.Context, req *requests.Request) ([]ledger.Appointment, error) {
	id, patient := req.ID, req.PatientID
	all, err := w.ledger.Query(ctx, ledger.Filter{RequestID: &id, PatientID: &patient})
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, a := range all {
		if a.Status.Active() {
			active = append(active, a)
		}
	}
	return active, nil
}

func (w *Workflow) Decline(ctx context.Context, cmd DeclineCommand) (*requests.Request, error) {
	const op = "approval.Decline"
	if cmd.RequestID <= 0 {
		return nil, apperr.Validation(op, "request id is required")
	}
	reason := strings.TrimSpace(cmd.Reason)

	unlock, err := w.locker.Lock(ctx, lockKey(cmd.RequestID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := retryOnce(ctx, w.logger, op, func() (*requests.Request, error) {
		return w.requests.GetByID(ctx, cmd.RequestID)
	})
	if err != nil {
		return nil, maybeApplied(op, cmd.RequestID, err)
	}
	if req.Status == status.RequestDeclined {
		return req, nil
	}
	if req.Status == status.RequestApproved {
		return nil, apperr.Validation(op, "request %d is already approved; cancel its appointment instead", req.ID)
	}

	if err := w.releaseSlots(ctx, op, req, reason); err != nil {
		return nil, maybeApplied(op, req.ID, err)
	}

	updated, err := retryOnce(ctx, w.logger, op, func() (*requests.Request, error) {
		return w.requests.Decline(ctx, req.ID, reason, cmd.Actor)
	})
	if err != nil {
		return nil, maybeApplied(op, req.ID, err)
	}

	w.logger.Info().Int64("request_id", req.ID).Str("actor", cmd.Actor).Msg("request declined")
	e := events.New(events.RequestDeclined, w.clock.Now(), req.PatientID)
	e.RequestID, e.Actor = req.ID, cmd.Actor
	if reason != "" {
		e.Attributes = map[string]string{"reason": reason}
	}
	events.Emit(ctx, w.publisher, w.logger, e)
	return updated, nil
}

// releaseSlots cancels every ledger entry a pending request still holds: the
// linked slot of data written by older versions, or the orphans of an
// interrupted approval.
func (w *Workflow) releaseSlots(ctx context.Context, op string, req *requests.Request, reason string) error {
	var held []ledger.Appointment
	if req.LinkedAppointmentID != nil {
		a, err := w.ledger.Get(ctx, *req.LinkedAppointmentID)
		switch {
		case err == nil:
			held = append(held, *a)
		case !apperr.IsKind(err, apperr.KindNotFound):
			return err
		}
	} else {
		orphans, err := w.orphans(ctx, req)
		if err != nil {
			return err
		}
		held = orphans
	}

	for i := range held {
		a := &held[i]
		if a.Status == status.AppointmentCancelled || !a.Status.CanTransition(status.AppointmentCancelled) {
			continue
		}
		a.Status = status.AppointmentCancelled
		a.CancellationReason = reason
		_, err := retryOnce(ctx, w.logger, op, func() (struct{}, error) {
			return struct{}{}, w.ledger.Update(ctx, a)
		})
		if err != nil {
			return err
		}
		w.logger.Info().Int64("request_id", req.ID).Str("appointment_id", a.ID.String()).
			Msg("appointment held by declined request cancelled")
	}
	return nil
}
