// Package auth issues and verifies the identity tokens clients present on
// the WebSocket handshake and the HTTP API.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pulsehub/internal/domain"
	"github.com/pscheid92/pulsehub/internal/platform/crypto"
)

type claims struct {
	UserID  string `json:"uid"`
	Name    string `json:"name,omitempty"`
	Expires int64  `json:"exp"`
}

// TokenService seals identities into opaque, expiring tokens.
type TokenService struct {
	sealer *crypto.Sealer
	clock  clockwork.Clock
}

var _ domain.Authenticator = (*TokenService)(nil)

func NewTokenService(sealer *crypto.Sealer, clock clockwork.Clock) *TokenService {
	return &TokenService{sealer: sealer, clock: clock}
}

// Issue returns a token for identity valid for ttl. The display name falls
// back to the user id.
func (s *TokenService) Issue(identity domain.Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return "", fmt.Errorf("%w: user id is required", domain.ErrInvalidMessage)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: token ttl must be positive", domain.ErrInvalidMessage)
	}

	payload, err := json.Marshal(claims{
		UserID:  identity.UserID,
		Name:    identity.DisplayName,
		Expires: s.clock.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}
	return s.sealer.Seal(payload)
}

func (s *TokenService) Authenticate(_ context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrAuthFailure)
	}

	payload, err := s.sealer.Open(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthFailure, err)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil || c.UserID == "" {
		return domain.Identity{}, fmt.Errorf("%w: invalid claims", domain.ErrAuthFailure)
	}
	if !s.clock.Now().Before(time.Unix(c.Expires, 0)) {
		return domain.Identity{}, fmt.Errorf("%w: token expired", domain.ErrAuthFailure)
	}

	name := c.Name
	if name == "" {
		name = c.UserID
	}
	return domain.Identity{UserID: c.UserID, DisplayName: name}, nil
}
