package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/domain/directory"
	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
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

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type schedulerFixture struct {
	svc       *Scheduler
	ledger    *MemoryLedger
	pub       *recordingPublisher
	clock     *clock.Fixed
	doctor    directory.User
	secretary directory.User
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		pub:       &recordingPublisher{},
		clock:     clock.NewFixed(now),
		doctor:    directory.User{ID: uuid.New(), Role: directory.RoleDoctor, Name: "Dr. Martin", Specialty: "Cardiology"},
		secretary: directory.User{ID: uuid.New(), Role: directory.RoleSecretary, Name: "Sam"},
	}
	f.ledger = NewMemoryLedger(f.clock)
	dir := directory.NewStatic(f.doctor, f.secretary)
	f.svc = NewScheduler(f.ledger, dir, f.pub, f.clock, Slots{Location: time.UTC, Duration: 30 * time.Minute}, zerolog.Nop())
	return f
}

func TestScheduler_Schedule(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	a, err := f.svc.Schedule(ctx, ScheduleCommand{PatientID: uuid.New(), DoctorID: f.doctor.ID, Date: "2024-01-10", Time: "09:00", Reason: "follow-up"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != status.AppointmentConfirmed || !a.End.Equal(at(9, 30)) {
		t.Errorf("unexpected appointment: %+v", a)
	}
	if f.pub.count(events.AppointmentScheduled) != 1 {
		t.Errorf("expected one scheduled event")
	}

	_, err = f.svc.Schedule(ctx, ScheduleCommand{PatientID: uuid.New(), DoctorID: f.doctor.ID, Date: "2024-01-10", Time: "09:15"})
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestScheduler_ScheduleValidation(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  ScheduleCommand
	}{
		{"unknown doctor", ScheduleCommand{PatientID: uuid.New(), DoctorID: uuid.New(), Date: "2024-01-10", Time: "09:00"}},
		{"not a doctor", ScheduleCommand{PatientID: uuid.New(), DoctorID: f.secretary.ID, Date: "2024-01-10", Time: "09:00"}},
		{"bad time", ScheduleCommand{PatientID: uuid.New(), DoctorID: f.doctor.ID, Date: "2024-01-10", Time: "25:00"}},
		{"no patient", ScheduleCommand{DoctorID: f.doctor.ID, Date: "2024-01-10", Time: "09:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Schedule(ctx, tt.cmd); !apperr.IsKind(err, apperr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestScheduler_CompleteAndCancel(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	a, err := f.svc.Schedule(ctx, ScheduleCommand{PatientID: uuid.New(), DoctorID: f.doctor.ID, Date: "2024-01-10", Time: "09:00"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Another doctor cannot complete it.
	if _, err := f.svc.Complete(ctx, TransitionCommand{AppointmentID: a.ID, DoctorID: uuid.New()}); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found for another doctor, got %v", err)
	}

	done, err := f.svc.Complete(ctx, TransitionCommand{AppointmentID: a.ID, DoctorID: f.doctor.ID, Actor: "Dr. Martin"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != status.AppointmentCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}

	// Completing twice is a no-op.
	if _, err := f.svc.Complete(ctx, TransitionCommand{AppointmentID: a.ID}); err != nil {
		t.Errorf("repeat complete: %v", err)
	}
	if f.pub.count(events.AppointmentCompleted) != 1 {
		t.Errorf("expected one completed event, got %d", f.pub.count(events.AppointmentCompleted))
	}

	if _, err := f.svc.Cancel(ctx, TransitionCommand{AppointmentID: a.ID}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("completed appointments cannot be cancelled, got %v", err)
	}
}

func TestScheduler_CancelFreesSlot(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	cmd := ScheduleCommand{PatientID: uuid.New(), DoctorID: f.doctor.ID, Date: "2024-01-10", Time: "09:00"}

	a, err := f.svc.Schedule(ctx, cmd)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	cancelled, err := f.svc.Cancel(ctx, TransitionCommand{AppointmentID: a.ID, Reason: "sick", Actor: "Sam"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancellationReason != "sick" {
		t.Errorf("expected reason to be kept, got %q", cancelled.CancellationReason)
	}
	if _, err := f.svc.Schedule(ctx, cmd); err != nil {
		t.Errorf("slot should be free after cancellation: %v", err)
	}
}

func TestScheduler_DoctorViews(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))

	for _, slot := range []struct{ date, tm string }{
		{"2024-01-10", "09:00"},
		{"2024-01-10", "15:00"},
		{"2024-01-11", "09:00"},
	} {
		if _, err := f.svc.Schedule(ctx, ScheduleCommand{PatientID: uuid.New(), DoctorID: f.doctor.ID, Date: slot.date, Time: slot.tm}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	today, err := f.svc.DoctorToday(ctx, f.doctor.ID)
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if len(today) != 2 {
		t.Errorf("expected 2 appointments today, got %d", len(today))
	}

	upcoming, err := f.svc.DoctorUpcoming(ctx, f.doctor.ID)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(upcoming) != 2 || !upcoming[0].Start.Equal(time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected upcoming: %+v", upcoming)
	}
}
