package requests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/portal/internal/domain/directory"
	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T, users ...directory.User) (*Service, *FileStore, *recordingPublisher) {
	t.Helper()
	store, clk, _ := newTestStore(t)
	pub := &recordingPublisher{}
	return NewService(store, directory.NewStatic(users...), pub, clk, zerolog.Nop()), store, pub
}

func TestService_SubmitSnapshotsContact(t *testing.T) {
	patient := directory.User{ID: uuid.New(), Role: directory.RolePatient, Name: "Claire Petit", Phone: "0600000000", Email: "claire@example.org"}
	svc, _, pub := newTestService(t, patient)

	r, err := svc.Submit(context.Background(), SubmitCommand{
		PatientID:           patient.ID,
		SymptomsDescription: "  persistent cough ",
		UrgencyLevel:        "Élevé",
		PreferredDate:       "2024-01-10",
		PreferredTime:       "09:00",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ID)
	assert.Equal(t, "Claire Petit", r.PatientName)
	assert.Equal(t, "claire@example.org", r.PatientEmail)
	assert.Equal(t, "persistent cough", r.SymptomsDescription)
	assert.Equal(t, status.UrgencyHigh, r.UrgencyLevel)
	assert.Equal(t, status.RequestPending, r.Status)
	assert.Equal(t, []string{events.RequestSubmitted}, pub.types())
}

func TestService_SubmitUnknownPatientStillAccepted(t *testing.T) {
	svc, _, _ := newTestService(t)
	r, err := svc.Submit(context.Background(), SubmitCommand{PatientID: uuid.New(), SymptomsDescription: "headache"})
	require.NoError(t, err)
	assert.Empty(t, r.PatientName)
	assert.Equal(t, status.UrgencyMedium, r.UrgencyLevel)
}

func TestService_SubmitValidation(t *testing.T) {
	svc, _, pub := newTestService(t)
	patient := uuid.New()

	tests := []struct {
		name string
		cmd  SubmitCommand
	}{
		{"no patient", SubmitCommand{SymptomsDescription: "x"}},
		{"blank symptoms", SubmitCommand{PatientID: patient, SymptomsDescription: "   "}},
		{"bad urgency", SubmitCommand{PatientID: patient, SymptomsDescription: "x", UrgencyLevel: "whenever"}},
		{"time without date", SubmitCommand{PatientID: patient, SymptomsDescription: "x", PreferredTime: "09:00"}},
		{"bad date", SubmitCommand{PatientID: patient, SymptomsDescription: "x", PreferredDate: "10/01/2024"}},
		{"bad time", SubmitCommand{PatientID: patient, SymptomsDescription: "x", PreferredDate: "2024-01-10", PreferredTime: "9h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.cmd)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Empty(t, pub.types())
}

func TestService_ListAndStats(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	for _, u := range []string{"high", "low", "high"} {
		_, err := svc.Submit(ctx, SubmitCommand{PatientID: uuid.New(), SymptomsDescription: "x", UrgencyLevel: u})
		require.NoError(t, err)
	}
	_, err := store.Approve(ctx, 1, approveParams(uuid.New(), time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = store.Decline(ctx, 2, "duplicate", "secretary")
	require.NoError(t, err)

	pending, err := svc.List(ctx, status.RequestPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[0].ID)

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Approved)
	assert.Equal(t, 1, st.Declined)
	assert.Equal(t, 1, st.UrgentPending)
	assert.Len(t, st.Recent, 3)
}
