package hub

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/pulsehub/internal/domain"
)

// Peer is the transport side of a connection.
type Peer interface {
	// Send enqueues an encoded frame without blocking. It returns false if
	// the peer's buffer is full or the peer is closed.
	Send(data []byte) bool
	// Probe enqueues a liveness probe. It returns false if the peer is closed.
	Probe() bool
	// Close shuts the peer down. A non-empty reason is sent in a close frame
	// after pending frames are flushed; an empty reason drops the transport.
	// Safe to call more than once.
	Close(reason string)
}

type connEntry struct {
	id           domain.ConnID
	identity     domain.Identity
	peer         Peer
	createdAt    time.Time
	lastActivity time.Time
	alive        bool
	sessions     map[uuid.UUID]struct{}
}

func (c *connEntry) info() domain.ConnectionInfo {
	sessions := make([]uuid.UUID, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	slices.SortFunc(sessions, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })

	return domain.ConnectionInfo{
		ID:           c.id,
		Identity:     c.identity,
		ConnectedAt:  c.createdAt,
		LastActivity: c.lastActivity,
		Alive:        c.alive,
		Sessions:     sessions,
	}
}

// connRegistry tracks live connections and the identity → connections index
// used for identity-level broadcast exclusion.
type connRegistry struct {
	conns  map[domain.ConnID]*connEntry
	byUser map[string]map[domain.ConnID]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		conns:  make(map[domain.ConnID]*connEntry),
		byUser: make(map[string]map[domain.ConnID]struct{}),
	}
}

func (r *connRegistry) add(c *connEntry) {
	r.conns[c.id] = c
	ids, ok := r.byUser[c.identity.UserID]
	if !ok {
		ids = make(map[domain.ConnID]struct{})
		r.byUser[c.identity.UserID] = ids
	}
	ids[c.id] = struct{}{}
}

func (r *connRegistry) get(id domain.ConnID) (*connEntry, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// remove is idempotent; the second call reports false.
func (r *connRegistry) remove(id domain.ConnID) (*connEntry, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	if ids, ok := r.byUser[c.identity.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byUser, c.identity.UserID)
		}
	}
	return c, true
}

func (r *connRegistry) connsOf(userID string) map[domain.ConnID]struct{} {
	return r.byUser[userID]
}

func (r *connRegistry) len() int {
	return len(r.conns)
}
