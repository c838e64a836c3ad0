package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/clinicops/portal/internal/platform/apperr"
)

// StaticDirectory serves a fixed user list, loaded from DIRECTORY_FILE in
// single-node deployments and built inline in tests.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
}

func NewStatic(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[uuid.UUID]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// LoadFile reads a JSON array of users.
func LoadFile(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var users []User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}
	for i, u := range users {
		if u.ID == uuid.Nil {
			return nil, fmt.Errorf("directory entry %d has no id", i)
		}
	}
	return NewStatic(users...), nil
}

func (d *StaticDirectory) ResolveUser(_ context.Context, id uuid.UUID) (*User, error) {
	d.mu.RLock()
	u, ok := d.users[id]
	d.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("directory.ResolveUser", "user", id)
	}
	return &u, nil
}

// Put adds or replaces a user.
func (d *StaticDirectory) Put(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}
