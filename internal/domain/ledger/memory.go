package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
	"github.com/clinicops/portal/internal/platform/lock"
)

// MemoryLedger keeps appointments in process memory. Writers for one doctor
// are serialized by a keyed mutex; the map itself sits behind an RWMutex.
type MemoryLedger struct {
	mu      sync.RWMutex
	items   map[uuid.UUID]Appointment
	doctors *lock.KeyedMutex
	clock   clock.Clock
}

func NewMemoryLedger(clk clock.Clock) *MemoryLedger {
	return &MemoryLedger{
		items:   make(map[uuid.UUID]Appointment),
		doctors: lock.NewKeyedMutex(),
		clock:   clk,
	}
}

func (l *MemoryLedger) lockDoctors(ctx context.Context, ids ...uuid.UUID) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range doctorKeys(ids...) {
		unlock, err := l.doctors.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (l *MemoryLedger) Query(ctx context.Context, f Filter) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	out := make([]Appointment, 0)
	for _, a := range l.items {
		if f.Matches(&a) {
			out = append(out, a.clone())
		}
	}
	l.mu.RUnlock()
	sortByStart(out)
	return out, nil
}

func (l *MemoryLedger) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.items[id]
	if !ok {
		return nil, apperr.NotFound("ledger.Get", "appointment", id)
	}
	out := a.clone()
	return &out, nil
}

func (l *MemoryLedger) FindOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Appointment, error) {
	booked, err := l.Query(ctx, Filter{DoctorID: &doctorID})
	if err != nil {
		return nil, err
	}
	return FindConflict(booked, doctorID, start, end, excludeID), nil
}

func (l *MemoryLedger) Create(ctx context.Context, a *Appointment) (uuid.UUID, error) {
	const op = "ledger.Create"
	if err := validate(op, a); err != nil {
		return uuid.Nil, err
	}
	unlock, err := l.lockDoctors(ctx, a.DoctorID)
	if err != nil {
		return uuid.Nil, err
	}
	defer unlock()

	if a.ID != uuid.Nil {
		l.mu.RLock()
		existing, ok := l.items[a.ID]
		l.mu.RUnlock()
		if ok {
			if existing.SameSlot(a) {
				return a.ID, nil
			}
			return uuid.Nil, apperr.Concurrency(op, "appointment %s already exists with a different slot", a.ID)
		}
	}

	if IsActive(a.Status) {
		if c, err := l.FindOverlap(ctx, a.DoctorID, a.Start, a.End, a.ID); err != nil {
			return uuid.Nil, err
		} else if c != nil {
			return uuid.Nil, conflictError(op, c)
		}
	}

	rec := a.clone()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := l.clock.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	l.mu.Lock()
	l.items[rec.ID] = rec
	l.mu.Unlock()

	a.ID, a.CreatedAt, a.UpdatedAt = rec.ID, rec.CreatedAt, rec.UpdatedAt
	return rec.ID, nil
}

func (l *MemoryLedger) Update(ctx context.Context, a *Appointment) error {
	const op = "ledger.Update"
	if err := validate(op, a); err != nil {
		return err
	}
	current, err := l.Get(ctx, a.ID)
	if err != nil {
		return err
	}
	unlock, err := l.lockDoctors(ctx, current.DoctorID, a.DoctorID)
	if err != nil {
		return err
	}
	defer unlock()

	l.mu.RLock()
	prev, ok := l.items[a.ID]
	l.mu.RUnlock()
	if !ok {
		return apperr.NotFound(op, "appointment", a.ID)
	}
	if prev.DoctorID != current.DoctorID {
		return apperr.Concurrency(op, "appointment %s was reassigned concurrently", a.ID)
	}

	if IsActive(a.Status) {
		if c, err := l.FindOverlap(ctx, a.DoctorID, a.Start, a.End, a.ID); err != nil {
			return err
		} else if c != nil {
			return conflictError(op, c)
		}
	}

	rec := a.clone()
	rec.CreatedAt = prev.CreatedAt
	rec.UpdatedAt = l.clock.Now()

	l.mu.Lock()
	l.items[rec.ID] = rec
	l.mu.Unlock()

	a.CreatedAt, a.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}
