package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pscheid92/pulsehub/internal/domain"
)

func (h *Hub) handleInbound(id domain.ConnID, msg domain.InboundMessage, now time.Time) {
	conn, ok := h.conns.get(id)
	if !ok {
		return
	}
	conn.lastActivity = now
	conn.alive = true
	h.metrics.MessagesReceived.WithLabelValues(metricLabel(msg.Type)).Inc()

	var err error
	switch msg.Type {
	case domain.MsgPing:
		h.sendTo(id, domain.Event{Type: domain.EventPong, Timestamp: now})
	case domain.MsgJoinSession:
		err = h.handleJoinMessage(conn, msg, now)
	case domain.MsgLeaveSession:
		err = h.handleLeaveMessage(conn, msg, now)
	case domain.MsgChat, domain.MsgSessionMessage:
		err = h.handleChat(conn, msg, now)
	case domain.MsgCursor:
		err = h.handleCursor(conn, msg, now)
	case domain.MsgEdit:
		err = h.handleEdit(conn, msg, now)
	case domain.MsgSetRole:
		err = h.handleSetRole(conn, msg, now)
	case domain.MsgSubscribeScore:
		err = h.handleSubscribe(conn, msg, now)
	case domain.MsgUnsubscribeScore:
		err = h.handleUnsubscribe(conn, msg, now)
	case domain.MsgSetAlert:
		err = h.handleSetAlert(conn, msg, now)
	case domain.MsgRemoveAlert:
		err = h.handleRemoveAlert(conn, msg, now)
	case domain.MsgRequestScoreUpdate:
		err = h.handleScoreRequest(conn, msg, now)
	default:
		slog.Warn("Unknown message type", "conn_id", id, "type", msg.Type)
		h.sendTo(id, domain.NewErrorEvent(domain.CodeUnknownType, fmt.Sprintf("unknown message type %q", msg.Type), now))
		return
	}

	if err != nil {
		slog.Debug("Message rejected", "conn_id", id, "type", msg.Type, "error", err)
		h.sendTo(id, domain.NewErrorEventFrom(err, now))
	}
}

func metricLabel(msgType string) string {
	switch msgType {
	case domain.MsgChat, domain.MsgCursor, domain.MsgEdit, domain.MsgPing,
		domain.MsgSubscribeScore, domain.MsgUnsubscribeScore,
		domain.MsgSetAlert, domain.MsgRemoveAlert,
		domain.MsgJoinSession, domain.MsgLeaveSession,
		domain.MsgSessionMessage, domain.MsgRequestScoreUpdate, domain.MsgSetRole:
		return msgType
	}
	return "unknown"
}

func parseSessionID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", domain.ErrSessionNotFound, raw)
	}
	return id, nil
}

// memberSession resolves the session named by msg and checks that conn has
// joined it.
func (h *Hub) memberSession(conn *connEntry, msg domain.InboundMessage) (*sessionState, error) {
	sessionID, err := parseSessionID(msg.SessionID)
	if err != nil {
		return nil, err
	}
	s, err := h.sessions.get(sessionID)
	if err != nil {
		return nil, err
	}
	if _, joined := conn.sessions[sessionID]; !joined {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInSession, sessionID)
	}
	return s, nil
}

// writableSession is memberSession restricted to active sessions.
func (h *Hub) writableSession(conn *connEntry, msg domain.InboundMessage) (*sessionState, error) {
	s, err := h.memberSession(conn, msg)
	if err != nil {
		return nil, err
	}
	if s.status != domain.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrSessionNotActive, s.id, s.status)
	}
	return s, nil
}

func (h *Hub) handleJoinMessage(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	sessionID, err := parseSessionID(msg.SessionID)
	if err != nil {
		return err
	}
	h.joinAndAnnounce(conn.id, sessionID, now, true)
	return nil
}

// joinAndAnnounce joins on behalf of a client and replies with session_joined.
// Unknown sessions are hydrated from the store once when allowed.
func (h *Hub) joinAndAnnounce(id domain.ConnID, sessionID uuid.UUID, now time.Time, allowHydrate bool) {
	res, err := h.join(sessionID, id, domain.RoleViewer, now)
	if errors.Is(err, domain.ErrSessionNotFound) && allowHydrate && h.opts.Loader != nil {
		h.hydrate(id, sessionID)
		return
	}
	if err != nil {
		h.sendTo(id, domain.NewErrorEventFrom(err, now))
		return
	}

	s, err := h.sessions.get(sessionID)
	if err != nil {
		return
	}
	h.sendTo(id, domain.Event{
		Type:      domain.EventSessionJoined,
		SessionID: sessionID.String(),
		Data: sessionJoined{
			AlreadyJoined: res.AlreadyJoined,
			Role:          res.Role,
			Session:       s.snapshot(),
		},
		Timestamp: now,
	})
}

type sessionJoined struct {
	AlreadyJoined bool            `json:"already_joined"`
	Role          domain.Role     `json:"role"`
	Session       *domain.Session `json:"session"`
}

func (h *Hub) handleLeaveMessage(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	sessionID, err := parseSessionID(msg.SessionID)
	if err != nil {
		return err
	}
	if err := h.leave(sessionID, conn.id, now); err != nil {
		return err
	}
	h.sendTo(conn.id, domain.Event{Type: domain.EventSessionLeft, SessionID: sessionID.String(), Timestamp: now})
	return nil
}

// handleChat relays chat and session messages to every connection in the
// session, the sender included, and hands them to the store.
func (h *Hub) handleChat(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	s, err := h.writableSession(conn, msg)
	if err != nil {
		return err
	}
	if len(msg.Data) == 0 {
		return fmt.Errorf("%w: %s needs data", domain.ErrInvalidMessage, msg.Type)
	}

	identity := conn.identity
	chat := domain.ChatMessage{
		ID:     ulid.Make().String(),
		Kind:   msg.Type,
		From:   identity,
		Body:   msg.Data,
		SentAt: now,
	}

	eventType := domain.EventChat
	if msg.Type == domain.MsgSessionMessage {
		eventType = domain.EventSessionMessage
	}
	h.fanout(s, domain.Event{
		Type:      eventType,
		From:      &identity,
		Data:      chatPayload{ID: chat.ID, Body: msg.Data},
		Timestamp: now,
	}, nil)

	if p, ok := s.roster[identity.UserID]; ok {
		p.lastActivity = now
	}
	sessionID := s.id
	h.persist(func(ctx context.Context, store domain.SessionStore) error {
		if err := store.SaveMessage(ctx, sessionID, chat); err != nil {
			return err
		}
		return store.UpdateParticipant(ctx, sessionID, identity.UserID, domain.ParticipantPatch{LastActivity: &now})
	})
	return nil
}

type chatPayload struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// handleCursor relays cursor positions to everyone but the sending connection.
func (h *Hub) handleCursor(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	s, err := h.writableSession(conn, msg)
	if err != nil {
		return err
	}
	identity := conn.identity
	h.fanout(s, domain.Event{
		Type:      domain.EventCursorUpdate,
		From:      &identity,
		Data:      msg.Data,
		Timestamp: now,
	}, map[domain.ConnID]struct{}{conn.id: {}})
	return nil
}

// handleEdit relays an edit from an owner or editor to everyone but the
// sending connection. Viewers get a permission_denied error.
func (h *Hub) handleEdit(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	s, err := h.writableSession(conn, msg)
	if err != nil {
		return err
	}
	role, err := h.sessions.roleOf(s.id, conn.identity.UserID)
	if err != nil {
		return err
	}
	if !role.CanEdit() {
		return fmt.Errorf("%w: %s cannot edit", domain.ErrPermissionDenied, role)
	}

	identity := conn.identity
	h.fanout(s, domain.Event{
		Type:      domain.EventEdit,
		From:      &identity,
		Data:      msg.Data,
		Timestamp: now,
	}, map[domain.ConnID]struct{}{conn.id: {}})

	_, err = h.recordActivity(s.id, identity, ActionEdit, msg.Data, now)
	return err
}

func (h *Hub) handleSetRole(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	s, err := h.memberSession(conn, msg)
	if err != nil {
		return err
	}
	if msg.UserID == "" {
		return fmt.Errorf("%w: set_role needs user_id", domain.ErrInvalidMessage)
	}
	if err := h.sessions.setRole(s.id, conn.identity.UserID, msg.UserID, msg.Role); err != nil {
		return err
	}

	identity := conn.identity
	h.fanout(s, domain.Event{
		Type:      domain.EventRoleChanged,
		From:      &identity,
		Data:      map[string]string{"user_id": msg.UserID, "role": string(msg.Role)},
		Timestamp: now,
	}, nil)

	details, _ := json.Marshal(map[string]string{"user_id": msg.UserID, "role": string(msg.Role)})
	entry := h.sessions.appendActivity(s, identity.UserID, ActionRoleChanged, details, now)
	sessionID, target, role := s.id, msg.UserID, msg.Role
	h.persist(func(ctx context.Context, store domain.SessionStore) error {
		if err := store.SaveActivity(ctx, sessionID, entry); err != nil {
			return err
		}
		return store.UpdateParticipant(ctx, sessionID, target, domain.ParticipantPatch{Role: &role})
	})
	return nil
}

func (h *Hub) handleSubscribe(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	if _, err := h.subscribe(msg.Topic, conn.id, true); err != nil {
		return err
	}
	h.sendTo(conn.id, domain.Event{Type: domain.EventSubscribed, Topic: msg.Topic, Timestamp: now})

	if value, ok := h.scores[msg.Topic]; ok {
		h.sendTo(conn.id, scoreEvent(msg.Topic, value, now))
	}
	return nil
}

func (h *Hub) handleUnsubscribe(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	if _, err := h.subscribe(msg.Topic, conn.id, false); err != nil {
		return err
	}
	h.sendTo(conn.id, domain.Event{Type: domain.EventUnsubscribed, Topic: msg.Topic, Timestamp: now})
	return nil
}

func (h *Hub) handleSetAlert(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	op, err := domain.ParseOperator(msg.Operator)
	if err != nil {
		return err
	}
	if msg.Threshold == nil {
		return fmt.Errorf("%w: set_alert needs a threshold", domain.ErrInvalidMessage)
	}
	rule, err := h.setRule(conn.id, msg.Topic, op, *msg.Threshold, now)
	if err != nil {
		return err
	}
	h.sendTo(conn.id, domain.Event{Type: domain.EventAlertSet, Topic: rule.Topic, Data: rule, Timestamp: now})
	return nil
}

// handleRemoveAlert only removes rules owned by the requesting connection.
func (h *Hub) handleRemoveAlert(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	ruleID, err := uuid.Parse(msg.RuleID)
	if err != nil {
		return fmt.Errorf("%w: %q", domain.ErrRuleNotFound, msg.RuleID)
	}
	rule, err := h.alerts.get(ruleID)
	if err != nil {
		return err
	}
	if rule.ConnID != conn.id {
		return fmt.Errorf("%w: %s", domain.ErrRuleNotFound, ruleID)
	}
	if _, err := h.alerts.remove(ruleID); err != nil {
		return err
	}
	h.sendTo(conn.id, domain.Event{Type: domain.EventAlertRemoved, Topic: rule.Topic, Data: map[string]string{"rule_id": ruleID.String()}, Timestamp: now})
	return nil
}

// handleScoreRequest answers from the last published value, or asks the
// score source off the actor.
func (h *Hub) handleScoreRequest(conn *connEntry, msg domain.InboundMessage, now time.Time) error {
	if msg.Topic == "" {
		return fmt.Errorf("%w: topic is required", domain.ErrInvalidMessage)
	}
	if value, ok := h.scores[msg.Topic]; ok {
		h.sendTo(conn.id, scoreEvent(msg.Topic, value, now))
		return nil
	}
	if h.opts.Scores == nil {
		return fmt.Errorf("%w: %s", domain.ErrScoreUnavailable, msg.Topic)
	}

	source, id, topic := h.opts.Scores, conn.id, msg.Topic
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		value, err := source.CurrentScore(ctx, topic)
		h.enqueue(scoreResultCmd{id: id, topic: topic, value: value, err: err})
	}()
	return nil
}

func (h *Hub) handleScoreResult(c scoreResultCmd, now time.Time) {
	if c.err != nil {
		slog.Debug("Score lookup failed", "topic", c.topic, "error", c.err)
		h.sendTo(c.id, domain.NewErrorEventFrom(fmt.Errorf("%w: %s", domain.ErrScoreUnavailable, c.topic), now))
		return
	}
	h.sendTo(c.id, scoreEvent(c.topic, c.value, now))
}

func scoreEvent(topic string, value float64, now time.Time) domain.Event {
	return domain.Event{Type: domain.EventScoreUpdate, Topic: topic, Data: map[string]float64{"value": value}, Timestamp: now}
}

// publishMetric sends score_update to the topic's subscribers, score_changed
// when the value moved, then evaluates the topic's alert rules.
func (h *Hub) publishMetric(update domain.MetricUpdate, now time.Time) int {
	previous, seen := h.scores[update.Topic]
	h.scores[update.Topic] = update.Value

	h.broadcastToTopic(update.Topic, scoreEvent(update.Topic, update.Value, now))
	if seen && previous != update.Value {
		h.broadcastToTopic(update.Topic, domain.Event{
			Type: domain.EventScoreChanged,
			Data: domain.ScoreChange{
				Topic:    update.Topic,
				Previous: previous,
				Current:  update.Value,
				Delta:    update.Value - previous,
			},
			Timestamp: now,
		})
	}

	return h.evaluate(update.Topic, update.Value, now)
}

// evaluate emits alert_triggered to the owner of every rule on topic whose
// condition holds.
func (h *Hub) evaluate(topic string, value float64, now time.Time) int {
	fired := 0
	for _, rule := range h.alerts.matching(topic, value) {
		if !h.alerts.allow(rule.ID, now) {
			h.metrics.AlertsSuppressed.Inc()
			continue
		}
		h.sendTo(rule.ConnID, domain.Event{
			Type:      domain.EventAlertTriggered,
			Topic:     topic,
			Data:      domain.AlertTrigger{Rule: rule, Value: value},
			Timestamp: now,
		})
		h.metrics.AlertsTriggered.Inc()
		fired++
	}
	return fired
}
