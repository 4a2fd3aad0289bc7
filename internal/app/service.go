package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pulsehub/internal/domain"
)

const relayTimeout = 2 * time.Second

// Hub is the slice of the hub the service layer drives.
type Hub interface {
	CreateSession(ctx context.Context, kind string, settings domain.Settings, creator domain.Identity) (uuid.UUID, error)
	AdoptSession(ctx context.Context, s *domain.Session) error
	Session(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	PauseSession(ctx context.Context, sessionID uuid.UUID) error
	ResumeSession(ctx context.Context, sessionID uuid.UUID) error
	CloseSession(ctx context.Context, sessionID uuid.UUID) error
	PublishMetric(ctx context.Context, update domain.MetricUpdate) (int, error)
	BroadcastToTopic(ctx context.Context, topic string, ev domain.Event) (int, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// SessionDefaults fill in settings a create request leaves out.
type SessionDefaults struct {
	MaxParticipants int
	TTL             time.Duration
}

type CreateSessionRequest struct {
	Kind            string `json:"kind"`
	MaxParticipants int    `json:"max_participants"`
	// ExpiresIn is a Go duration string such as "90m". Empty selects the default.
	ExpiresIn string `json:"expires_in"`
}

// Service is the application layer between the HTTP API and the hub.
type Service struct {
	hub      Hub
	loader   domain.SessionLoader
	relay    domain.MetricRelay
	clock    clockwork.Clock
	defaults SessionDefaults
}

// NewService wires the service. loader and relay may be nil.
func NewService(hub Hub, loader domain.SessionLoader, relay domain.MetricRelay, clock clockwork.Clock, defaults SessionDefaults) *Service {
	return &Service{hub: hub, loader: loader, relay: relay, clock: clock, defaults: defaults}
}

func (s *Service) CreateSession(ctx context.Context, creator domain.Identity, req CreateSessionRequest) (*domain.Session, error) {
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		return nil, fmt.Errorf("%w: kind is required", domain.ErrInvalidSettings)
	}

	settings := domain.Settings{MaxParticipants: req.MaxParticipants, ExpiresIn: s.defaults.TTL}
	if settings.MaxParticipants == 0 {
		settings.MaxParticipants = s.defaults.MaxParticipants
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_in: %v", domain.ErrInvalidSettings, err)
		}
		settings.ExpiresIn = d
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	id, err := s.hub.CreateSession(ctx, kind, settings, creator)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Session created", "session_id", id, "kind", kind, "user_id", creator.UserID)
	return s.hub.Session(ctx, id)
}

// GetSession returns the live snapshot, falling back to the store for
// sessions this instance does not hold.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	snap, err := s.hub.Session(ctx, id)
	if err == nil || !errors.Is(err, domain.ErrSessionNotFound) || s.loader == nil {
		return snap, err
	}
	return s.loader.LoadSession(ctx, id)
}

func (s *Service) PauseSession(ctx context.Context, caller domain.Identity, id uuid.UUID) error {
	if err := s.authorizeOwner(ctx, caller, id); err != nil {
		return err
	}
	return s.hub.PauseSession(ctx, id)
}

func (s *Service) ResumeSession(ctx context.Context, caller domain.Identity, id uuid.UUID) error {
	if err := s.authorizeOwner(ctx, caller, id); err != nil {
		return err
	}
	return s.hub.ResumeSession(ctx, id)
}

func (s *Service) CloseSession(ctx context.Context, caller domain.Identity, id uuid.UUID) error {
	if err := s.authorizeOwner(ctx, caller, id); err != nil {
		return err
	}
	return s.hub.CloseSession(ctx, id)
}

// authorizeOwner checks the caller owns the session, adopting it from the
// store first if this instance has not seen it.
func (s *Service) authorizeOwner(ctx context.Context, caller domain.Identity, id uuid.UUID) error {
	snap, err := s.liveSession(ctx, id)
	if err != nil {
		return err
	}
	if snap.CreatedBy != caller.UserID && snap.Roles[caller.UserID] != domain.RoleOwner {
		return fmt.Errorf("%w: only the owner may change session %s", domain.ErrPermissionDenied, id)
	}
	return nil
}

func (s *Service) liveSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	snap, err := s.hub.Session(ctx, id)
	if err == nil || !errors.Is(err, domain.ErrSessionNotFound) || s.loader == nil {
		return snap, err
	}

	stored, err := s.loader.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.hub.AdoptSession(ctx, stored); err != nil {
		return nil, err
	}
	return s.hub.Session(ctx, id)
}

// PublishMetric applies the update locally and relays it to the other
// instances. A relay failure is logged, not returned: local subscribers
// already have the value. Returns the number of alerts fired locally.
func (s *Service) PublishMetric(ctx context.Context, topic string, value float64) (int, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return 0, fmt.Errorf("%w: topic is required", domain.ErrInvalidMessage)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: value must be finite", domain.ErrInvalidMessage)
	}

	update := domain.MetricUpdate{Topic: topic, Value: value, At: s.clock.Now()}
	fired, err := s.hub.PublishMetric(ctx, update)
	if err != nil {
		return 0, err
	}

	if s.relay != nil {
		relayCtx, cancel := context.WithTimeout(ctx, relayTimeout)
		defer cancel()
		if err := s.relay.Publish(relayCtx, update); err != nil {
			slog.WarnContext(ctx, "Failed to relay metric", "topic", topic, "error", err)
		}
	}
	return fired, nil
}

// PublishBenchmark broadcasts a benchmark_update to the topic's subscribers
// and returns how many received it.
func (s *Service) PublishBenchmark(ctx context.Context, topic string, data json.RawMessage) (int, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return 0, fmt.Errorf("%w: topic is required", domain.ErrInvalidMessage)
	}
	if len(data) == 0 || !json.Valid(data) {
		return 0, fmt.Errorf("%w: data must be a JSON value", domain.ErrInvalidMessage)
	}

	return s.hub.BroadcastToTopic(ctx, topic, domain.Event{
		Type:      domain.EventBenchmarkUpdate,
		Topic:     topic,
		Data:      data,
		Timestamp: s.clock.Now(),
	})
}

func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.hub.Stats(ctx)
}
