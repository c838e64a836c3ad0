// Package reconcile merges a patient's requests with their ledger
// appointments into one list. Once a request is linked, the ledger decides
// its status and time.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/domain/directory"
	"github.com/clinicops/portal/internal/domain/ledger"
	"github.com/clinicops/portal/internal/domain/requests"
	"github.com/clinicops/portal/internal/domain/status"
)

type Source string

const (
	// SourceLinked is a request merged with its ledger appointment.
	SourceLinked Source = "linked"
	// SourceRequest is a request with no resolvable appointment.
	SourceRequest Source = "request"
	// SourceLedger is an appointment booked directly by staff.
	SourceLedger Source = "ledger"
)

// AppointmentView is one row of a patient's unified list. Provisional is set
// when Start comes from the patient's preference or the submission time
// rather than a booked slot.
type AppointmentView struct {
	Source              Source                   `json:"source"`
	RequestID           *int64                   `json:"request_id,omitempty"`
	AppointmentID       *uuid.UUID               `json:"appointment_id,omitempty"`
	PatientID           uuid.UUID                `json:"patient_id"`
	DoctorID            *uuid.UUID               `json:"doctor_id,omitempty"`
	DoctorName          string                   `json:"doctor_name,omitempty"`
	SymptomsDescription string                   `json:"symptoms_description,omitempty"`
	PreferredSpecialty  string                   `json:"preferred_specialty,omitempty"`
	UrgencyLevel        status.Urgency           `json:"urgency_level,omitempty"`
	SecretaryComments   string                   `json:"secretary_comments,omitempty"`
	Reason              string                   `json:"reason,omitempty"`
	Start               time.Time                `json:"start"`
	End                 time.Time                `json:"end"`
	Provisional         bool                     `json:"provisional"`
	Status              status.AppointmentStatus `json:"status"`
	StatusLabel         string                   `json:"status_label"`
	RequestStatus       status.RequestStatus     `json:"request_status,omitempty"`
	SubmittedAt         *time.Time               `json:"submitted_at,omitempty"`
}

// sortKey is the submission time for request-backed views and the start
// time otherwise.
func (v *AppointmentView) sortKey() time.Time {
	if v.SubmittedAt != nil {
		return *v.SubmittedAt
	}
	return v.Start
}

type Engine struct {
	requests  requests.Store
	ledger    ledger.Ledger
	directory directory.Directory
	slots     ledger.Slots
	logger    zerolog.Logger
}

func NewEngine(store requests.Store, l ledger.Ledger, dir directory.Directory, slots ledger.Slots, logger zerolog.Logger) *Engine {
	return &Engine{
		requests:  store,
		ledger:    l,
		directory: dir,
		slots:     slots,
		logger:    logger.With().Str("component", "reconcile").Logger(),
	}
}

// View returns the patient's unified appointment list, newest first.
//
// Requests are read before the ledger. Approval writes the ledger before the
// request, so every linkage seen here resolves against the ledger snapshot.
func (e *Engine) View(ctx context.Context, patientID uuid.UUID) ([]AppointmentView, error) {
	reqs, err := e.requests.GetByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	appts, err := e.ledger.Query(ctx, ledger.Filter{PatientID: &patientID})
	if err != nil {
		return nil, err
	}

	index := make(map[uuid.UUID]*ledger.Appointment, len(appts))
	for i := range appts {
		index[appts[i].ID] = &appts[i]
	}
	requestIDs := make(map[int64]bool, len(reqs))
	used := make(map[uuid.UUID]bool, len(reqs))
	names := newNameCache(e.directory, e.logger)

	views := make([]AppointmentView, 0, len(reqs)+len(appts))
	for i := range reqs {
		r := &reqs[i]
		requestIDs[r.ID] = true
		if r.LinkedAppointmentID != nil {
			if a, ok := index[*r.LinkedAppointmentID]; ok {
				used[a.ID] = true
				views = append(views, e.merged(ctx, r, a, names))
				continue
			}
			e.logger.Warn().Int64("request_id", r.ID).Str("appointment_id", r.LinkedAppointmentID.String()).
				Msg("linked appointment missing from ledger")
		}
		views = append(views, e.standalone(r))
	}

	for i := range appts {
		a := &appts[i]
		if used[a.ID] {
			continue
		}
		// An unlinked slot left by an interrupted approval belongs to its
		// request, which is already listed.
		if a.RequestID != nil && requestIDs[*a.RequestID] {
			continue
		}
		views = append(views, e.passThrough(ctx, a, names))
	}

	sort.SliceStable(views, func(i, j int) bool {
		ki, kj := views[i].sortKey(), views[j].sortKey()
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return views[i].Start.After(views[j].Start)
	})
	return views, nil
}

func (e *Engine) merged(ctx context.Context, r *requests.Request, a *ledger.Appointment, names *nameCache) AppointmentView {
	v := requestView(r)
	v.Source = SourceLinked
	id, doctor := a.ID, a.DoctorID
	v.AppointmentID, v.DoctorID = &id, &doctor
	v.Start, v.End = a.Start, a.End
	v.Reason = a.Reason
	v.Status = a.Status
	if v.Status == "" {
		v.Status = status.FromRequest(r.Status)
	}
	if v.DoctorName == "" || (r.AssignedDoctorID != nil && *r.AssignedDoctorID != a.DoctorID) {
		v.DoctorName = names.lookup(ctx, a.DoctorID)
	}
	v.StatusLabel = v.Status.Label("en")
	return v
}

func (e *Engine) standalone(r *requests.Request) AppointmentView {
	v := requestView(r)
	v.Source = SourceRequest
	v.Status = status.FromRequest(r.Status)
	switch {
	case r.ConfirmedStart != nil:
		v.Start = *r.ConfirmedStart
		v.End = v.Start.Add(e.slots.Length())
		if r.ConfirmedEnd != nil {
			v.End = *r.ConfirmedEnd
		}
	default:
		start, ok := r.PreferredStart(e.slots.Zone())
		if !ok {
			start = r.SubmittedAt
		}
		v.Start, v.End = start, start.Add(e.slots.Length())
		v.Provisional = true
	}
	v.DoctorID = r.AssignedDoctorID
	v.StatusLabel = v.Status.Label("en")
	return v
}

func (e *Engine) passThrough(ctx context.Context, a *ledger.Appointment, names *nameCache) AppointmentView {
	id, doctor := a.ID, a.DoctorID
	v := AppointmentView{
		Source:        SourceLedger,
		AppointmentID: &id,
		PatientID:     a.PatientID,
		DoctorID:      &doctor,
		DoctorName:    names.lookup(ctx, a.DoctorID),
		Reason:        a.Reason,
		Start:         a.Start,
		End:           a.End,
		Status:        a.Status,
		RequestID:     a.RequestID,
	}
	v.StatusLabel = v.Status.Label("en")
	return v
}

func requestView(r *requests.Request) AppointmentView {
	id, submitted := r.ID, r.SubmittedAt
	return AppointmentView{
		RequestID:           &id,
		PatientID:           r.PatientID,
		DoctorName:          r.AssignedDoctorName,
		SymptomsDescription: r.SymptomsDescription,
		PreferredSpecialty:  r.PreferredSpecialty,
		UrgencyLevel:        r.UrgencyLevel,
		SecretaryComments:   r.SecretaryComments,
		RequestStatus:       r.Status,
		SubmittedAt:         &submitted,
	}
}

// Localize rewrites StatusLabel for locale ("en" or "fr").
func Localize(views []AppointmentView, locale string) {
	for i := range views {
		views[i].StatusLabel = views[i].Status.Label(locale)
	}
}

// nameCache resolves doctor names once per View call. Lookup failures only
// leave the name empty.
type nameCache struct {
	dir    directory.Directory
	logger zerolog.Logger
	names  map[uuid.UUID]string
}

func newNameCache(dir directory.Directory, logger zerolog.Logger) *nameCache {
	return &nameCache{dir: dir, logger: logger, names: make(map[uuid.UUID]string)}
}

func (c *nameCache) lookup(ctx context.Context, id uuid.UUID) string {
	if name, ok := c.names[id]; ok {
		return name
	}
	name := ""
	if c.dir != nil {
		if u, err := c.dir.ResolveUser(ctx, id); err == nil {
			name = u.Name
		} else {
			c.logger.Debug().Err(err).Str("doctor_id", id.String()).Msg("doctor name unavailable")
		}
	}
	c.names[id] = name
	return name
}
