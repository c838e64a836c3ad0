package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/portal/internal/platform/apperr"
)

type pgDirectory struct{ pool *pgxpool.Pool }

// NewPG reads users from the portal_user table.
func NewPG(pool *pgxpool.Pool) Directory { return &pgDirectory{pool: pool} }

func (d *pgDirectory) ResolveUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := d.pool.QueryRow(ctx, `
		SELECT id, role, name, COALESCE(specialty, ''), COALESCE(email, ''), COALESCE(phone, '')
		FROM portal_user WHERE id = $1 AND active`, id).
		Scan(&u.ID, &u.Role, &u.Name, &u.Specialty, &u.Email, &u.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("directory.ResolveUser", "user", id)
	}
	if err != nil {
		return nil, apperr.Persistence("directory.ResolveUser", err)
	}
	return &u, nil
}
