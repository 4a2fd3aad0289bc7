package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/domain"
)

var errStoreDown = errors.New("store down")

// memStore records every write in arrival order. fail makes every write
// error; gate, when set, blocks each write until a value is received.
type memStore struct {
	mu       sync.Mutex
	writes   []string
	patches  []domain.ParticipantPatch
	sessions map[uuid.UUID]*domain.Session
	loads    int
	fail     bool
	gate     chan struct{}
	started  chan struct{}
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*domain.Session)}
}

func (s *memStore) record(kind string) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStoreDown
	}
	s.writes = append(s.writes, kind)
	return nil
}

func (s *memStore) SaveSession(_ context.Context, session *domain.Session) error {
	if err := s.record("session"); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return nil
}

func (s *memStore) SaveActivity(context.Context, uuid.UUID, domain.ActivityEntry) error {
	return s.record("activity")
}

func (s *memStore) SaveMessage(context.Context, uuid.UUID, domain.ChatMessage) error {
	return s.record("message")
}

func (s *memStore) UpdateParticipant(_ context.Context, _ uuid.UUID, _ string, patch domain.ParticipantPatch) error {
	if err := s.record("participant"); err != nil {
		return err
	}
	s.mu.Lock()
	s.patches = append(s.patches, patch)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ArchiveSession(context.Context, *domain.Session) error {
	return s.record("archive")
}

func (s *memStore) LoadSession(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if session, ok := s.sessions[id]; ok {
		return session, nil
	}
	return nil, domain.ErrSessionNotFound
}

func (s *memStore) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

type stubDebouncer struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *stubDebouncer) IsDebounced(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return true, nil
	}
	d.seen[key] = true
	return false, nil
}

func newStoreMetrics() *metrics.StoreMetrics {
	return metrics.NewStoreMetrics(prometheus.NewRegistry())
}

func closePersister(t *testing.T, p *Persister) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}
