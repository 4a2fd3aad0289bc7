package hub

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/pulsehub/internal/domain"
)

const (
	reasonDisconnected = "disconnected"
	reasonSlowClient   = "slow_client"
	reasonLiveness     = "liveness_timeout"
	reasonTransport    = "transport_error"
)

func (h *Hub) encode(ev domain.Event) ([]byte, bool) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.clock.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal event", "type", ev.Type, "error", err)
		return nil, false
	}
	return data, true
}

// sendTo delivers ev to one connection. Unknown connections are skipped.
func (h *Hub) sendTo(id domain.ConnID, ev domain.Event) bool {
	if _, ok := h.conns.get(id); !ok {
		return false
	}
	data, ok := h.encode(ev)
	if !ok {
		return false
	}
	return h.deliver([]domain.ConnID{id}, ev.Type, data) == 1
}

// deliver enqueues data to each recipient of a snapshot. A recipient whose
// buffer is full is queued for eviction; the others are unaffected.
func (h *Hub) deliver(recipients []domain.ConnID, eventType string, data []byte) int {
	sent := 0
	for _, id := range recipients {
		conn, ok := h.conns.get(id)
		if !ok {
			continue
		}
		if !conn.peer.Send(data) {
			h.evictions = append(h.evictions, eviction{id: id, reason: reasonSlowClient})
			continue
		}
		sent++
	}
	if sent > 0 {
		h.metrics.EventsSent.WithLabelValues(eventType).Add(float64(sent))
	}
	return sent
}

// broadcastToSession delivers ev to every connection attached to the
// session except the excluded connection ids.
func (h *Hub) broadcastToSession(sessionID uuid.UUID, ev domain.Event, exclude ...domain.ConnID) (int, error) {
	s, err := h.sessions.get(sessionID)
	if err != nil {
		return 0, err
	}

	skip := make(map[domain.ConnID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	return h.fanout(s, ev, skip), nil
}

// broadcastToSessionExceptUser excludes every connection bound to userID,
// resolved through the identity index before the snapshot is taken.
func (h *Hub) broadcastToSessionExceptUser(sessionID uuid.UUID, ev domain.Event, userID string) (int, error) {
	s, err := h.sessions.get(sessionID)
	if err != nil {
		return 0, err
	}
	return h.fanout(s, ev, h.conns.connsOf(userID)), nil
}

func (h *Hub) fanout(s *sessionState, ev domain.Event, skip map[domain.ConnID]struct{}) int {
	if ev.SessionID == "" {
		ev.SessionID = s.id.String()
	}

	var recipients []domain.ConnID
	for _, id := range s.connIDs() {
		if _, excluded := skip[id]; !excluded {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return 0
	}

	data, ok := h.encode(ev)
	if !ok {
		return 0
	}
	h.metrics.BroadcastFanout.Observe(float64(len(recipients)))
	return h.deliver(recipients, ev.Type, data)
}

func (h *Hub) broadcastToTopic(topic string, ev domain.Event) int {
	recipients := h.topics.subscribersOf(topic)
	if len(recipients) == 0 {
		return 0
	}
	if ev.Topic == "" {
		ev.Topic = topic
	}

	data, ok := h.encode(ev)
	if !ok {
		return 0
	}
	h.metrics.BroadcastFanout.Observe(float64(len(recipients)))
	return h.deliver(recipients, ev.Type, data)
}

func (h *Hub) broadcastAll(ev domain.Event) int {
	recipients := make([]domain.ConnID, 0, h.conns.len())
	for id := range h.conns.conns {
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		return 0
	}
	data, ok := h.encode(ev)
	if !ok {
		return 0
	}
	return h.deliver(recipients, ev.Type, data)
}

// drainEvictions unregisters connections that failed a delivery. Teardown
// may itself broadcast and queue more evictions, so it loops until empty.
func (h *Hub) drainEvictions() {
	for len(h.evictions) > 0 {
		ev := h.evictions[0]
		h.evictions = h.evictions[1:]
		if _, ok := h.conns.get(ev.id); !ok {
			continue
		}
		slog.Warn("Evicting connection", "conn_id", ev.id, "reason", ev.reason)
		h.unregister(ev.id, ev.reason)
	}
}
