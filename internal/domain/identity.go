package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConnID identifies one live transport connection.
type ConnID string

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// ConnectionInfo is a point-in-time view of one registered connection.
type ConnectionInfo struct {
	ID           ConnID      `json:"id"`
	Identity     Identity    `json:"identity"`
	ConnectedAt  time.Time   `json:"connected_at"`
	LastActivity time.Time   `json:"last_activity"`
	Alive        bool        `json:"alive"`
	Sessions     []uuid.UUID `json:"sessions"`
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// CanEdit reports whether the role may send edit messages.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Authenticator verifies a bearer token and returns the identity it carries.
// Implementations return an error wrapping ErrAuthFailure for bad or expired tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
