package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Ledger stores appointments. Create and Update fail with a conflict error
// when the write would overlap another active appointment of the same
// doctor; the check and the write are atomic per doctor.
type Ledger interface {
	Query(ctx context.Context, f Filter) ([]Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Appointment, error)
	// Create stores a. A zero ID is assigned; a caller-assigned ID that
	// already holds the same slot returns that ID without writing.
	Create(ctx context.Context, a *Appointment) (uuid.UUID, error)
	Update(ctx context.Context, a *Appointment) error
}

func sortByStart(items []Appointment) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Start.Equal(items[j].Start) {
			return items[i].Start.Before(items[j].Start)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

// doctorKeys returns the lock keys for the doctors touched by a write, in a
// stable order so two writers never wait on each other crosswise.
func doctorKeys(ids ...uuid.UUID) []string {
	seen := make(map[uuid.UUID]bool, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, id.String())
	}
	sort.Strings(keys)
	return keys
}
