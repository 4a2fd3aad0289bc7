package domain

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	MsgChat               = "chat"
	MsgCursor             = "cursor"
	MsgEdit               = "edit"
	MsgPing               = "ping"
	MsgSubscribeScore     = "subscribe_score"
	MsgUnsubscribeScore   = "unsubscribe_score"
	MsgSetAlert           = "set_alert"
	MsgRemoveAlert        = "remove_alert"
	MsgJoinSession        = "join_session"
	MsgLeaveSession       = "leave_session"
	MsgSessionMessage     = "session_message"
	MsgRequestScoreUpdate = "request_score_update"
	MsgSetRole            = "set_role"
)

// Outbound event types.
const (
	EventWelcome         = "welcome"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventChat            = "chat"
	EventCursorUpdate    = "cursor_update"
	EventEdit            = "edit"
	EventError           = "error"
	EventPong            = "pong"
	EventSubscribed      = "subscribed"
	EventUnsubscribed    = "unsubscribed"
	EventAlertSet        = "alert_set"
	EventAlertRemoved    = "alert_removed"
	EventAlertTriggered  = "alert_triggered"
	EventScoreUpdate     = "score_update"
	EventScoreChanged    = "score_changed"
	EventBenchmarkUpdate = "benchmark_update"
	EventServerShutdown  = "server_shutdown"
	EventSessionJoined   = "session_joined"
	EventSessionLeft     = "session_left"
	EventSessionMessage  = "session_message"
	EventRoleChanged     = "role_changed"
	EventSessionClosed   = "session_closed"
	EventSessionExpired  = "session_expired"
	EventSessionPaused   = "session_paused"
	EventSessionResumed  = "session_resumed"
)

// InboundMessage is a client frame, discriminated by Type.
type InboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Operator  string          `json:"operator,omitempty"`
	Threshold *float64        `json:"threshold,omitempty"`
	RuleID    string          `json:"rule_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Role      Role            `json:"role,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event is a server frame.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	From      *Identity `json:"from,omitempty"`
	Data      any       `json:"data,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewErrorEvent(code, message string, at time.Time) Event {
	return Event{Type: EventError, Code: code, Message: message, Timestamp: at}
}

// NewErrorEventFrom builds an error event whose code is derived from err.
func NewErrorEventFrom(err error, at time.Time) Event {
	return NewErrorEvent(ErrorCode(err), err.Error(), at)
}
