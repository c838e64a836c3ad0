//go:build integration

package integration

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/portal/internal/domain/approval"
	"github.com/clinicops/portal/internal/domain/directory"
	"github.com/clinicops/portal/internal/domain/ledger"
	"github.com/clinicops/portal/internal/domain/reconcile"
	"github.com/clinicops/portal/internal/domain/requests"
	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
	"github.com/clinicops/portal/internal/platform/db"
	"github.com/clinicops/portal/internal/platform/events"
	"github.com/clinicops/portal/internal/platform/lock"
	"github.com/clinicops/portal/migrations"
)

func at(h, m int) time.Time {
	return time.Date(2030, 5, 7, h, m, 0, 0, time.UTC)
}

func insertUser(t *testing.T, u directory.User, active bool) {
	t.Helper()
	_, err := globalPool.Exec(context.Background(),
		`INSERT INTO portal_user (id, role, name, specialty, active) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, string(u.Role), u.Name, u.Specialty, active)
	require.NoError(t, err)
}

func TestMigrations_AllApplied(t *testing.T) {
	ctx := context.Background()
	m := db.NewMigrator(globalPool, migrations.FS)

	n, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second run applies nothing")

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, s := range statuses {
		assert.True(t, s.Applied, "migration %d not applied", s.Version)
	}
}

func TestPGDirectory(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	doctor := directory.User{ID: uuid.New(), Role: directory.RoleDoctor, Name: "Dr. Martin", Specialty: "cardiology"}
	retired := directory.User{ID: uuid.New(), Role: directory.RoleDoctor, Name: "Dr. Old"}
	insertUser(t, doctor, true)
	insertUser(t, retired, false)

	dir := directory.NewPG(globalPool)

	got, err := dir.ResolveUser(ctx, doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dr. Martin", got.Name)
	assert.Equal(t, "cardiology", got.Specialty)
	assert.True(t, got.IsDoctor())

	_, err = dir.ResolveUser(ctx, retired.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestPGStore_ContiguousIDsUnderConcurrency(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	store := requests.NewPGStore(globalPool, clock.NewFixed(testNow), zerolog.Nop())
	patient := uuid.New()

	const n = 12
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := store.Add(ctx, &requests.Request{PatientID: patient, SymptomsDescription: "fever"})
			if assert.NoError(t, err) {
				ids[i] = r.ID
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}

	count, err := store.CountByStatus(ctx, status.RequestPending)
	require.NoError(t, err)
	assert.Equal(t, n, count)

	require.NoError(t, store.Reset(ctx))
	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPGStore_ApproveAndDecline(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	store := requests.NewPGStore(globalPool, clock.NewFixed(testNow), zerolog.Nop())
	patient := uuid.New()

	r1, err := store.Add(ctx, &requests.Request{PatientID: patient, SymptomsDescription: "cough", UrgencyLevel: status.UrgencyHigh})
	require.NoError(t, err)
	r2, err := store.Add(ctx, &requests.Request{PatientID: patient, SymptomsDescription: "rash"})
	require.NoError(t, err)

	params := requests.ApproveParams{
		DoctorID:            uuid.New(),
		DoctorName:          "Dr. Martin",
		Start:               at(9, 0),
		End:                 at(9, 30),
		Actor:               "Claire",
		LinkedAppointmentID: uuid.New(),
	}
	approved, err := store.Approve(ctx, r1.ID, params)
	require.NoError(t, err)
	assert.Equal(t, status.RequestApproved, approved.Status)
	require.NotNil(t, approved.ConfirmedStart)
	assert.True(t, approved.ConfirmedStart.Equal(at(9, 0)))

	again, err := store.Approve(ctx, r1.ID, params)
	require.NoError(t, err)
	assert.Equal(t, *approved.LinkedAppointmentID, *again.LinkedAppointmentID)

	other := params
	other.LinkedAppointmentID = uuid.New()
	_, err = store.Approve(ctx, r1.ID, other)
	assert.True(t, apperr.IsKind(err, apperr.KindConcurrency))

	_, err = store.Decline(ctx, r1.ID, "no", "Claire")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	declined, err := store.Decline(ctx, r2.ID, "not urgent", "Claire")
	require.NoError(t, err)
	assert.Equal(t, status.RequestDeclined, declined.Status)
	assert.Equal(t, "not urgent", declined.SecretaryComments)

	_, err = store.Approve(ctx, r2.ID, params)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = store.GetByID(ctx, 99)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestPGLedger_OverlapAndReschedule(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	l := ledger.NewPGLedger(globalPool, clock.NewFixed(testNow))
	doctor, patient := uuid.New(), uuid.New()

	first := &ledger.Appointment{PatientID: patient, DoctorID: doctor, Start: at(9, 0), End: at(9, 30), Status: status.AppointmentConfirmed}
	id, err := l.Create(ctx, first)
	require.NoError(t, err)

	_, err = l.Create(ctx, &ledger.Appointment{PatientID: patient, DoctorID: doctor, Start: at(9, 15), End: at(9, 45), Status: status.AppointmentConfirmed})
	require.True(t, apperr.IsKind(err, apperr.KindConflict))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, id.String(), ae.Details["appointment_id"])

	back, err := l.Create(ctx, &ledger.Appointment{PatientID: patient, DoctorID: doctor, Start: at(9, 30), End: at(10, 0), Status: status.AppointmentConfirmed})
	require.NoError(t, err)

	moved, err := l.Get(ctx, back)
	require.NoError(t, err)
	moved.Start, moved.End = at(9, 10), at(9, 40)
	err = l.Update(ctx, moved)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	moved.Start, moved.End = at(11, 0), at(11, 30)
	require.NoError(t, l.Update(ctx, moved))

	from, to := at(10, 0), at(12, 0)
	got, err := l.Query(ctx, ledger.Filter{DoctorID: &doctor, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, back, got[0].ID)
	assert.True(t, got[0].Start.Equal(at(11, 0)))
}

func TestPGLedger_ConcurrentSameSlot(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	l := ledger.NewPGLedger(globalPool, clock.NewFixed(testNow))
	doctor := uuid.New()

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Create(ctx, &ledger.Appointment{
				PatientID: uuid.New(), DoctorID: doctor, Start: at(14, 0), End: at(14, 30), Status: status.AppointmentConfirmed,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.IsKind(err, apperr.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestApprovalAndReconcileOnPostgres(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	clk := clock.NewFixed(testNow)
	doctor := directory.User{ID: uuid.New(), Role: directory.RoleDoctor, Name: "Dr. Martin"}
	insertUser(t, doctor, true)

	dir := directory.NewPG(globalPool)
	store := requests.NewPGStore(globalPool, clk, zerolog.Nop())
	l := ledger.NewPGLedger(globalPool, clk)
	slots := ledger.Slots{Location: time.UTC, Duration: 30 * time.Minute}
	wf := approval.NewWorkflow(store, l, dir, lock.NewKeyedMutex(), events.NewLogPublisher(zerolog.Nop()), clk, slots, zerolog.Nop())
	engine := reconcile.NewEngine(store, l, dir, slots, zerolog.Nop())

	patient := uuid.New()
	r1, err := store.Add(ctx, &requests.Request{PatientID: patient, SymptomsDescription: "cough"})
	require.NoError(t, err)
	r2, err := store.Add(ctx, &requests.Request{PatientID: patient, SymptomsDescription: "headache"})
	require.NoError(t, err)

	res, err := wf.Approve(ctx, approval.ApproveCommand{RequestID: r1.ID, DoctorID: doctor.ID, Date: "2030-05-07", Time: "09:00", Actor: "Claire"})
	require.NoError(t, err)
	require.NotNil(t, res.Appointment)

	_, err = wf.Approve(ctx, approval.ApproveCommand{RequestID: r2.ID, DoctorID: doctor.ID, Date: "2030-05-07", Time: "09:15", Actor: "Claire"})
	require.True(t, apperr.IsKind(err, apperr.KindConflict))

	still, err := store.GetByID(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, status.RequestPending, still.Status)

	views, err := engine.View(ctx, patient)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byRequest := map[int64]reconcile.AppointmentView{}
	for _, v := range views {
		require.NotNil(t, v.RequestID)
		byRequest[*v.RequestID] = v
	}
	linked := byRequest[r1.ID]
	assert.Equal(t, reconcile.SourceLinked, linked.Source)
	assert.Equal(t, status.AppointmentConfirmed, linked.Status)
	assert.Equal(t, "Dr. Martin", linked.DoctorName)
	assert.True(t, linked.Start.Equal(at(9, 0)))
	assert.True(t, linked.End.Equal(at(9, 30)))

	pending := byRequest[r2.ID]
	assert.Equal(t, reconcile.SourceRequest, pending.Source)
	assert.Equal(t, status.AppointmentPending, pending.Status)
}
