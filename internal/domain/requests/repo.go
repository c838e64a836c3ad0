package requests

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinicops/portal/internal/domain/status"
)

// Store is the durable request collection. Every implementation serializes
// mutations so that a load-mutate-persist cycle is never interleaved with
// another writer, and reads always observe a fully written snapshot.
type Store interface {
	// Add assigns max(existing)+1 when r.ID is zero and returns the stored copy.
	Add(ctx context.Context, r *Request) (*Request, error)
	GetAll(ctx context.Context) ([]Request, error)
	// GetByPatient returns the patient's requests, newest first.
	GetByPatient(ctx context.Context, patientID uuid.UUID) ([]Request, error)
	GetByID(ctx context.Context, id int64) (*Request, error)
	// GetRecent returns the n most recently submitted requests.
	GetRecent(ctx context.Context, n int) ([]Request, error)
	Approve(ctx context.Context, id int64, p ApproveParams) (*Request, error)
	Decline(ctx context.Context, id int64, reason, actor string) (*Request, error)
	CountByStatus(ctx context.Context, s status.RequestStatus) (int, error)
	CountMatching(ctx context.Context, pred func(Request) bool) (int, error)
	// Reset removes every request. Operations use only.
	Reset(ctx context.Context) error
}
