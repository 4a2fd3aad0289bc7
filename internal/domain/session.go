package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Terminal statuses reject every write but stay readable until archived.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

type Settings struct {
	MaxParticipants int           `json:"max_participants"`
	ExpiresIn       time.Duration `json:"expires_in"`
}

func (s Settings) Validate() error {
	if s.MaxParticipants < 1 {
		return fmt.Errorf("%w: max participants must be at least 1, got %d", ErrInvalidSettings, s.MaxParticipants)
	}
	if s.ExpiresIn < 0 {
		return fmt.Errorf("%w: expiry horizon must not be negative", ErrInvalidSettings)
	}
	return nil
}

type Participant struct {
	Identity
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`
	Connections  int       `json:"connections"`
}

type ActivityEntry struct {
	ID      string          `json:"id"`
	UserID  string          `json:"user_id"`
	Action  string          `json:"action"`
	Details json.RawMessage `json:"details,omitempty"`
	At      time.Time       `json:"at"`
}

// Session is a point-in-time snapshot of a session, used for persistence
// and for read APIs. The live state is owned by the hub.
type Session struct {
	ID           uuid.UUID       `json:"id"`
	Kind         string          `json:"kind"`
	Status       Status          `json:"status"`
	Settings     Settings        `json:"settings"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Participants []Participant   `json:"participants"`
	Roles        map[string]Role `json:"roles,omitempty"`
	Activity     []ActivityEntry `json:"activity,omitempty"`
}

type JoinResult struct {
	AlreadyJoined bool `json:"already_joined"`
	Role          Role `json:"role"`
}

// ChatMessage is a chat or session message as handed to the store.
type ChatMessage struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	From   Identity        `json:"from"`
	Body   json.RawMessage `json:"body"`
	SentAt time.Time       `json:"sent_at"`
}

// ParticipantPatch carries the fields of a roster entry that changed.
// Nil fields are left untouched by the store.
type ParticipantPatch struct {
	DisplayName  *string
	Role         *Role
	JoinedAt     *time.Time
	LeftAt       *time.Time
	LastActivity *time.Time
}

// SessionStore is the persistence collaborator. The hub never waits on it;
// calls reach it through an asynchronous, best-effort queue.
type SessionStore interface {
	SaveSession(ctx context.Context, s *Session) error
	SaveActivity(ctx context.Context, sessionID uuid.UUID, entry ActivityEntry) error
	SaveMessage(ctx context.Context, sessionID uuid.UUID, msg ChatMessage) error
	UpdateParticipant(ctx context.Context, sessionID uuid.UUID, userID string, patch ParticipantPatch) error
	ArchiveSession(ctx context.Context, s *Session) error
}

// SessionLoader looks up a session the hub does not hold in memory.
// Returns ErrSessionNotFound if the store has no such session.
type SessionLoader interface {
	LoadSession(ctx context.Context, id uuid.UUID) (*Session, error)
}
