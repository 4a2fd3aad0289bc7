package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/pulsehub/internal/domain"
)

// Activity log actions generated by the hub.
const (
	ActionCreated     = "created"
	ActionJoined      = "joined"
	ActionLeft        = "left"
	ActionEdit        = "edit"
	ActionPaused      = "paused"
	ActionResumed     = "resumed"
	ActionClosed      = "closed"
	ActionExpired     = "expired"
	ActionRoleChanged = "role_changed"
)

func (h *Hub) createSession(kind string, settings domain.Settings, creator domain.Identity, now time.Time) (uuid.UUID, error) {
	s, err := h.sessions.create(kind, settings, creator, now)
	if err != nil {
		return uuid.Nil, err
	}
	h.sessions.appendActivity(s, creator.UserID, ActionCreated, nil, now)
	h.saveSession(s)

	slog.Info("Session created", "session_id", s.id, "kind", kind, "created_by", creator.UserID, "max_participants", settings.MaxParticipants)
	return s.id, nil
}

// join attaches a connection and announces new participants to the others.
func (h *Hub) join(sessionID uuid.UUID, id domain.ConnID, role domain.Role, now time.Time) (domain.JoinResult, error) {
	conn, ok := h.conns.get(id)
	if !ok {
		return domain.JoinResult{}, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, id)
	}

	res, s, err := h.sessions.join(sessionID, id, conn.identity, role, now)
	if err != nil {
		return res, err
	}
	conn.sessions[sessionID] = struct{}{}

	if res.AlreadyJoined {
		return res, nil
	}

	identity := conn.identity
	h.fanout(s, domain.Event{
		Type:      domain.EventUserJoined,
		From:      &identity,
		Data:      map[string]domain.Role{"role": res.Role},
		Timestamp: now,
	}, map[domain.ConnID]struct{}{id: {}})

	entry := h.sessions.appendActivity(s, identity.UserID, ActionJoined, nil, now)
	h.persist(func(ctx context.Context, store domain.SessionStore) error {
		if err := store.SaveActivity(ctx, sessionID, entry); err != nil {
			return err
		}
		return store.UpdateParticipant(ctx, sessionID, identity.UserID, domain.ParticipantPatch{
			DisplayName: &identity.DisplayName,
			Role:        &res.Role,
			JoinedAt:    &now,
		})
	})

	slog.Debug("Participant joined", "session_id", sessionID, "conn_id", id, "user_id", identity.UserID, "role", res.Role)
	return res, nil
}

func (h *Hub) leave(sessionID uuid.UUID, id domain.ConnID, now time.Time) error {
	conn, ok := h.conns.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, id)
	}
	if _, joined := conn.sessions[sessionID]; !joined {
		_, err := h.sessions.get(sessionID)
		return err
	}
	h.detach(sessionID, conn, now, true)
	return nil
}

// detach removes one connection from one session. When the identity's last
// connection leaves, the others receive user_left if announce is set.
func (h *Hub) detach(sessionID uuid.UUID, conn *connEntry, now time.Time, announce bool) {
	delete(conn.sessions, sessionID)

	res, err := h.sessions.leave(sessionID, conn.id, conn.identity.UserID, now)
	if err != nil {
		slog.Debug("Leave on unknown session ignored", "session_id", sessionID, "conn_id", conn.id)
		return
	}
	if res.removed == nil {
		return
	}

	identity := conn.identity
	if announce {
		h.fanout(res.session, domain.Event{
			Type:      domain.EventUserLeft,
			From:      &identity,
			Timestamp: now,
		}, nil)
	}

	entry := h.sessions.appendActivity(res.session, identity.UserID, ActionLeft, nil, now)
	h.persist(func(ctx context.Context, store domain.SessionStore) error {
		if err := store.SaveActivity(ctx, sessionID, entry); err != nil {
			return err
		}
		return store.UpdateParticipant(ctx, sessionID, identity.UserID, domain.ParticipantPatch{LeftAt: &now})
	})

	if res.completed {
		slog.Info("Session completed", "session_id", sessionID, "reason", "roster empty")
		h.saveSession(res.session)
	}
}

// unregister destroys a connection: subscriptions, alert rules and session
// memberships go with it before the peer is closed. Idempotent.
func (h *Hub) unregister(id domain.ConnID, reason string) {
	conn, ok := h.conns.remove(id)
	if !ok {
		return
	}

	topics := h.topics.removeConn(id)
	rules := h.alerts.removeConn(id)
	now := h.clock.Now()
	for sessionID := range conn.sessions {
		h.detach(sessionID, conn, now, true)
	}

	conn.peer.Close("")

	h.metrics.Connections.Set(float64(h.conns.len()))
	if reason != reasonDisconnected {
		h.metrics.Evictions.WithLabelValues(reason).Inc()
	}
	slog.Debug("Connection unregistered",
		"conn_id", id,
		"user_id", conn.identity.UserID,
		"reason", reason,
		"topics", len(topics),
		"rules", rules,
		"remaining_connections", h.conns.len(),
	)

	if h.opts.OnConnectionClosed != nil {
		h.opts.OnConnectionClosed(id, conn.identity, reason)
	}
}

func (h *Hub) recordActivity(sessionID uuid.UUID, identity domain.Identity, action string, details json.RawMessage, now time.Time) (domain.ActivityEntry, error) {
	entry, err := h.sessions.recordActivity(sessionID, identity, action, details, now)
	if err != nil {
		return entry, err
	}
	h.persist(func(ctx context.Context, store domain.SessionStore) error {
		return store.SaveActivity(ctx, sessionID, entry)
	})
	return entry, nil
}

// setSessionStatus applies pause, resume or close. Closing detaches every
// connection and completes the session.
func (h *Hub) setSessionStatus(sessionID uuid.UUID, status domain.Status, now time.Time) error {
	s, err := h.sessions.get(sessionID)
	if err != nil {
		return err
	}
	if s.status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrSessionNotActive, sessionID, s.status)
	}

	if status == domain.StatusCompleted {
		return h.closeSession(s, now)
	}

	if _, err := h.sessions.setStatus(sessionID, status, now); err != nil {
		return err
	}

	eventType, action := domain.EventSessionPaused, ActionPaused
	if status == domain.StatusActive {
		eventType, action = domain.EventSessionResumed, ActionResumed
	}
	h.fanout(s, domain.Event{Type: eventType, Timestamp: now}, nil)
	h.sessions.appendActivity(s, "", action, nil, now)
	h.saveSession(s)

	slog.Info("Session status changed", "session_id", sessionID, "status", status)
	return nil
}

func (h *Hub) closeSession(s *sessionState, now time.Time) error {
	h.fanout(s, domain.Event{Type: domain.EventSessionClosed, Timestamp: now}, nil)

	for _, id := range s.connIDs() {
		if conn, ok := h.conns.get(id); ok {
			h.detach(s.id, conn, now, false)
		}
	}
	if !s.status.Terminal() {
		if _, err := h.sessions.setStatus(s.id, domain.StatusCompleted, now); err != nil {
			return err
		}
	}
	h.sessions.appendActivity(s, "", ActionClosed, nil, now)
	h.saveSession(s)

	slog.Info("Session closed", "session_id", s.id)
	return nil
}

// handleExpirySweep expires active sessions past their horizon, whether or
// not they still have connections.
func (h *Hub) handleExpirySweep() int {
	now := h.clock.Now()
	expired := h.sessions.expire(now)
	for _, s := range expired {
		h.fanout(s, domain.Event{Type: domain.EventSessionExpired, Timestamp: now}, nil)
		h.sessions.appendActivity(s, "", ActionExpired, nil, now)
		h.saveSession(s)
	}
	if len(expired) > 0 {
		slog.Info("Expired sessions", "count", len(expired))
	}
	return len(expired)
}

// handleArchiveSweep drops terminal sessions older than the retention window
// from memory and hands them to the store for archival.
func (h *Hub) handleArchiveSweep() int {
	archived := h.sessions.archive(h.clock.Now(), h.opts.Retention)
	for _, s := range archived {
		snap := s.snapshot()
		h.persist(func(ctx context.Context, store domain.SessionStore) error {
			return store.ArchiveSession(ctx, snap)
		})
	}
	if len(archived) > 0 {
		slog.Info("Archived sessions", "count", len(archived), "retention", h.opts.Retention)
	}
	if pruned := h.pruneScores(); pruned > 0 {
		slog.Debug("Pruned cached scores", "count", pruned)
	}
	return len(archived)
}

// pruneScores forgets the last value of topics nobody subscribes to.
// request_score_update for them falls back to the score source.
func (h *Hub) pruneScores() int {
	pruned := 0
	for topic := range h.scores {
		if !h.topics.hasSubscribers(topic) {
			delete(h.scores, topic)
			pruned++
		}
	}
	return pruned
}

func (h *Hub) sweep(kind sweepKind) int {
	switch kind {
	case sweepLiveness:
		return h.handleLivenessTick()
	case sweepExpiry:
		return h.handleExpirySweep()
	case sweepArchive:
		return h.handleArchiveSweep()
	}
	return 0
}

// runSweep triggers a sweep out of band and returns how many connections or
// sessions it affected.
func (h *Hub) runSweep(ctx context.Context, kind sweepKind) (int, error) {
	return call(ctx, h, func(reply chan result[int]) hubCmd {
		return sweepCmd{kind: kind, reply: reply}
	})
}

func (h *Hub) saveSession(s *sessionState) {
	snap := s.snapshot()
	h.persist(func(ctx context.Context, store domain.SessionStore) error {
		return store.SaveSession(ctx, snap)
	})
}

// hydrate loads an unknown session off the actor and retries the join once
// the result is back.
func (h *Hub) hydrate(id domain.ConnID, sessionID uuid.UUID) {
	loader := h.opts.Loader
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		s, err := loader.LoadSession(ctx, sessionID)
		h.enqueue(hydratedCmd{id: id, sessionID: sessionID, session: s, err: err})
	}()
}

func (h *Hub) handleHydrated(c hydratedCmd, now time.Time) {
	if c.err != nil {
		if !errors.Is(c.err, domain.ErrNotFound) {
			slog.Error("Failed to load session", "session_id", c.sessionID, "error", c.err)
		}
		h.sendTo(c.id, domain.NewErrorEventFrom(fmt.Errorf("%w: %s", domain.ErrSessionNotFound, c.sessionID), now))
		return
	}

	h.sessions.adopt(c.session)
	slog.Debug("Session hydrated from store", "session_id", c.sessionID, "status", c.session.Status)
	h.joinAndAnnounce(c.id, c.sessionID, now, false)
}
