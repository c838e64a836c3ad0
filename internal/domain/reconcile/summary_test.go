package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/portal/internal/domain/ledger"
	"github.com/clinicops/portal/internal/domain/requests"
	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/auth"
)

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := f.submit(t, requests.Request{})
	_, err := f.approve(t, past.ID, "09:00")
	require.NoError(t, err)
	soon := f.submit(t, requests.Request{})
	_, err = f.approve(t, soon.ID, "15:00")
	require.NoError(t, err)
	later := f.submit(t, requests.Request{})
	_, err = f.approve(t, later.ID, "17:00")
	require.NoError(t, err)
	f.submit(t, requests.Request{})

	other := uuid.New()
	_, err = f.ledger.Create(ctx, &ledger.Appointment{
		PatientID: f.patient, DoctorID: other, Start: day(7, 0), End: day(7, 30),
		Status: status.AppointmentCancelled,
	})
	require.NoError(t, err)

	s, err := f.engine.Summary(ctx, f.patient, day(12, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Upcoming)
	assert.Equal(t, 1, s.Completed, "a confirmed slot that has ended counts as completed")
	assert.Equal(t, 1, s.Pending)
	require.NotNil(t, s.Next)
	assert.True(t, s.Next.Start.Equal(day(15, 0)))
	require.NotNil(t, s.PrimaryDoctor)
	assert.Equal(t, f.doctor.ID, s.PrimaryDoctor.ID)
	assert.Equal(t, 3, s.PrimaryDoctor.Visits)
	assert.Len(t, s.Recent, 5)
}

func TestSummary_Empty(t *testing.T) {
	f := newFixture(t)
	s, err := f.engine.Summary(context.Background(), f.patient, time.Now())
	require.NoError(t, err)
	assert.Zero(t, s.Upcoming)
	assert.Nil(t, s.Next)
	assert.Nil(t, s.PrimaryDoctor)
	assert.Empty(t, s.Recent)
}

func TestHandler_MyViewUsesSessionPatient(t *testing.T) {
	f := newFixture(t)
	f.submit(t, requests.Request{})
	h := NewHandler(f.engine, f.clock)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?lang=fr", nil)
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{UserID: f.patient, Roles: []string{auth.RolePatient}}))
	rec := httptest.NewRecorder()
	if err := h.MyView(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var views []AppointmentView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if len(views) != 1 || views[0].StatusLabel != "En attente" {
		t.Errorf("unexpected views: %+v", views)
	}
}

func TestHandler_PatientViewInvalidID(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.engine, f.clock)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.PatientView(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Dashboard(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, requests.Request{})
	_, err := f.approve(t, r.ID, "09:00")
	require.NoError(t, err)
	h := NewHandler(f.engine, f.clock)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{UserID: f.patient, Roles: []string{auth.RolePatient}}))
	rec := httptest.NewRecorder()
	require.NoError(t, h.Dashboard(e.NewContext(req, rec)))

	var s Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 1, s.Upcoming)
	require.NotNil(t, s.Next)
	assert.Equal(t, "Confirmed", s.Next.StatusLabel)
}
