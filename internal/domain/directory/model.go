// Package directory resolves clinic users. It is read-only: staff accounts
// are managed elsewhere.
package directory

import (
	"context"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient   Role = "patient"
	RoleDoctor    Role = "doctor"
	RoleSecretary Role = "secretary"
	RoleAdmin     Role = "admin"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	Specialty string    `json:"specialty,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
}

func (u *User) IsDoctor() bool { return u.Role == RoleDoctor }

// Directory looks users up by id. Unknown ids yield an apperr not-found error.
type Directory interface {
	ResolveUser(ctx context.Context, id uuid.UUID) (*User, error)
}
