package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/domain"
)

// fakePeer records frames instead of writing to a socket.
type fakePeer struct {
	mu          sync.Mutex
	frames      [][]byte
	probes      int
	closed      bool
	closeReason string
	full        bool
	failProbe   bool
}

func (p *fakePeer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.full {
		return false
	}
	p.frames = append(p.frames, data)
	return true
}

func (p *fakePeer) Probe() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.failProbe {
		return false
	}
	p.probes++
	return true
}

func (p *fakePeer) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeReason = reason
}

func (p *fakePeer) setFull(full bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.full = full
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

type wireEvent struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Topic     string           `json:"topic"`
	From      *domain.Identity `json:"from"`
	Data      json.RawMessage  `json:"data"`
	Code      string           `json:"code"`
	Message   string           `json:"message"`
}

func (p *fakePeer) events(t *testing.T) []wireEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]wireEvent, 0, len(p.frames))
	for _, frame := range p.frames {
		var ev wireEvent
		require.NoError(t, json.Unmarshal(frame, &ev))
		out = append(out, ev)
	}
	return out
}

func (p *fakePeer) ofType(t *testing.T, eventType string) []wireEvent {
	t.Helper()
	var out []wireEvent
	for _, ev := range p.events(t) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// count is safe to call from require.Eventually conditions.
func (p *fakePeer) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, frame := range p.frames {
		var ev struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frame, &ev) == nil && ev.Type == eventType {
			n++
		}
	}
	return n
}

func (p *fakePeer) last(t *testing.T) wireEvent {
	t.Helper()
	events := p.events(t)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

type participantWrite struct {
	sessionID uuid.UUID
	userID    string
	patch     domain.ParticipantPatch
}

// recordingStore captures every write the hub hands to the store.
type recordingStore struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*domain.Session
	activities   []domain.ActivityEntry
	messages     []domain.ChatMessage
	participants []participantWrite
	archived     []uuid.UUID
}

func newRecordingStore() *recordingStore {
	return &recordingStore{sessions: make(map[uuid.UUID]*domain.Session)}
}

func (s *recordingStore) SaveSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *recordingStore) SaveActivity(_ context.Context, _ uuid.UUID, entry domain.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, entry)
	return nil
}

func (s *recordingStore) SaveMessage(_ context.Context, _ uuid.UUID, msg domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingStore) UpdateParticipant(_ context.Context, sessionID uuid.UUID, userID string, patch domain.ParticipantPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = append(s.participants, participantWrite{sessionID: sessionID, userID: userID, patch: patch})
	return nil
}

func (s *recordingStore) ArchiveSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, session.ID)
	return nil
}

func (s *recordingStore) session(id uuid.UUID) *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *recordingStore) archivedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.archived...)
}

func (s *recordingStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *recordingStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activities))
	for _, a := range s.activities {
		out = append(out, a.Action)
	}
	return out
}

type stubLoader struct {
	sessions map[uuid.UUID]*domain.Session
}

func (l *stubLoader) LoadSession(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	s, ok := l.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

type stubScores struct {
	values map[string]float64
}

func (s *stubScores) CurrentScore(_ context.Context, topic string) (float64, error) {
	v, ok := s.values[topic]
	if !ok {
		return 0, domain.ErrScoreUnavailable
	}
	return v, nil
}

// newTestHub starts a hub on a fake clock. Sweep tickers are pushed far out so
// tests drive sweeps through runSweep unless they override the intervals.
func newTestHub(t *testing.T, configure ...func(*Options)) (*Hub, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	opts := Options{
		Clock:                clock,
		PingInterval:         48 * time.Hour,
		ExpirySweepInterval:  48 * time.Hour,
		ArchiveSweepInterval: 48 * time.Hour,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	h := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h, clock
}

func connect(t *testing.T, h *Hub, userID string) (domain.ConnID, *fakePeer) {
	t.Helper()
	peer := &fakePeer{}
	id, err := h.Register(context.Background(), peer, domain.Identity{UserID: userID, DisplayName: userID})
	require.NoError(t, err)
	return id, peer
}

func newSession(t *testing.T, h *Hub, creator string, maxParticipants int) uuid.UUID {
	t.Helper()
	id, err := h.CreateSession(context.Background(), "review",
		domain.Settings{MaxParticipants: maxParticipants, ExpiresIn: time.Hour},
		domain.Identity{UserID: creator, DisplayName: creator})
	require.NoError(t, err)
	return id
}

// flush waits until every command enqueued before it has been handled.
func flush(t *testing.T, h *Hub) {
	t.Helper()
	_, err := h.Stats(context.Background())
	require.NoError(t, err)
}

func send(t *testing.T, h *Hub, id domain.ConnID, msg domain.InboundMessage) {
	t.Helper()
	h.HandleInbound(id, msg)
	flush(t, h)
}

func ptr[T any](v T) *T {
	return &v
}
