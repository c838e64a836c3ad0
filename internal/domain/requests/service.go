package requests

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/domain/directory"
	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
	"github.com/clinicops/portal/internal/platform/events"
)

// SubmitCommand is a patient's appointment ask. PatientID comes from the
// session, never from the body.
type SubmitCommand struct {
	PatientID           uuid.UUID `json:"-"`
	SymptomsDescription string    `json:"symptoms_description" validate:"required,max=2000"`
	PreferredSpecialty  string    `json:"preferred_specialty" validate:"max=100"`
	UrgencyLevel        string    `json:"urgency_level" validate:"max=20"`
	PreferredDate       string    `json:"preferred_date" validate:"omitempty,date"`
	PreferredTime       string    `json:"preferred_time" validate:"omitempty,clock"`
	AdditionalComments  string    `json:"additional_comments" validate:"max=2000"`
}

type Stats struct {
	Total         int       `json:"total"`
	Pending       int       `json:"pending"`
	Approved      int       `json:"approved"`
	Declined      int       `json:"declined"`
	UrgentPending int       `json:"urgent_pending"`
	Recent        []Request `json:"recent"`
}

const recentLimit = 5

type Service struct {
	store     Store
	directory directory.Directory
	publisher events.Publisher
	clock     clock.Clock
	logger    zerolog.Logger
}

func NewService(store Store, dir directory.Directory, pub events.Publisher, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{store: store, directory: dir, publisher: pub, clock: clk, logger: logger}
}

func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*Request, error) {
	const op = "requests.Submit"
	if cmd.PatientID == uuid.Nil {
		return nil, apperr.Validation(op, "patient id is required")
	}
	symptoms := strings.TrimSpace(cmd.SymptomsDescription)
	if symptoms == "" {
		return nil, apperr.Validation(op, "symptoms_description is required")
	}
	urgency := status.UrgencyMedium
	if cmd.UrgencyLevel != "" {
		u, err := status.ParseUrgency(cmd.UrgencyLevel)
		if err != nil {
			return nil, apperr.Validation(op, "%v", err)
		}
		urgency = u
	}
	if cmd.PreferredTime != "" && cmd.PreferredDate == "" {
		return nil, apperr.Validation(op, "preferred_time requires preferred_date")
	}
	if cmd.PreferredDate != "" {
		if _, err := time.Parse(DateLayout, cmd.PreferredDate); err != nil {
			return nil, apperr.Validation(op, "preferred_date must be YYYY-MM-DD")
		}
	}
	if cmd.PreferredTime != "" {
		if _, err := time.Parse(ClockLayout, cmd.PreferredTime); err != nil {
			return nil, apperr.Validation(op, "preferred_time must be HH:MM")
		}
	}

	r := &Request{
		PatientID:           cmd.PatientID,
		SymptomsDescription: symptoms,
		PreferredSpecialty:  strings.TrimSpace(cmd.PreferredSpecialty),
		UrgencyLevel:        urgency,
		PreferredDate:       cmd.PreferredDate,
		PreferredTime:       cmd.PreferredTime,
		AdditionalComments:  strings.TrimSpace(cmd.AdditionalComments),
		Status:              status.RequestPending,
	}

	// The contact snapshot is informational; an unknown patient still submits.
	if u, err := s.directory.ResolveUser(ctx, cmd.PatientID); err == nil {
		r.PatientName, r.PatientPhone, r.PatientEmail = u.Name, u.Phone, u.Email
	} else if !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn().Err(err).Str("patient_id", cmd.PatientID.String()).Msg("patient lookup failed, submitting without contact snapshot")
	}

	stored, err := s.store.Add(ctx, r)
	if err != nil {
		return nil, err
	}

	e := events.New(events.RequestSubmitted, s.clock.Now(), stored.PatientID)
	e.RequestID = stored.ID
	e.Attributes = map[string]string{"urgency": string(stored.UrgencyLevel)}
	events.Emit(ctx, s.publisher, s.logger, e)
	return stored, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Request, error) {
	return s.store.GetByID(ctx, id)
}

// List returns every request, newest first, optionally restricted to one
// status.
func (s *Service) List(ctx context.Context, filter status.RequestStatus) ([]Request, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if filter == "" {
		return all, nil
	}
	out := make([]Request, 0, len(all))
	for _, r := range all {
		if r.Status == filter {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]Request, error) {
	return s.store.GetByPatient(ctx, patientID)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var err error
	if st.Pending, err = s.store.CountByStatus(ctx, status.RequestPending); err != nil {
		return nil, err
	}
	if st.Approved, err = s.store.CountByStatus(ctx, status.RequestApproved); err != nil {
		return nil, err
	}
	if st.Declined, err = s.store.CountByStatus(ctx, status.RequestDeclined); err != nil {
		return nil, err
	}
	st.UrgentPending, err = s.store.CountMatching(ctx, func(r Request) bool {
		return r.Status == status.RequestPending && r.UrgencyLevel.IsUrgent()
	})
	if err != nil {
		return nil, err
	}
	if st.Recent, err = s.store.GetRecent(ctx, recentLimit); err != nil {
		return nil, err
	}
	st.Total = st.Pending + st.Approved + st.Declined
	return &st, nil
}
