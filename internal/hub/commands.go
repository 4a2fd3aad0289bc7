package hub

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pscheid92/pulsehub/internal/domain"
)

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseCmd struct{}

func (baseCmd) isHubCmd() {}

type registerCmd struct {
	baseCmd
	peer     Peer
	identity domain.Identity
	reply    chan result[domain.ConnID]
}

type unregisterCmd struct {
	baseCmd
	id     domain.ConnID
	reason string
}

// touchCmd with pong set only answers a liveness probe and leaves the
// last-activity time alone.
type touchCmd struct {
	baseCmd
	id   domain.ConnID
	pong bool
}

type connectionCmd struct {
	baseCmd
	id    domain.ConnID
	reply chan result[domain.ConnectionInfo]
}

type isAliveCmd struct {
	baseCmd
	id    domain.ConnID
	reply chan result[bool]
}

type inboundCmd struct {
	baseCmd
	id  domain.ConnID
	msg domain.InboundMessage
}

type sendToCmd struct {
	baseCmd
	id    domain.ConnID
	event domain.Event
}

type sessionBroadcastCmd struct {
	baseCmd
	sessionID   uuid.UUID
	event       domain.Event
	exclude     []domain.ConnID
	excludeUser string
	reply       chan result[int]
}

type topicBroadcastCmd struct {
	baseCmd
	topic string
	event domain.Event
	reply chan result[int]
}

type createSessionCmd struct {
	baseCmd
	kind     string
	settings domain.Settings
	creator  domain.Identity
	reply    chan result[uuid.UUID]
}

type adoptSessionCmd struct {
	baseCmd
	session *domain.Session
	reply   chan result[struct{}]
}

// hydratedCmd carries the outcome of an off-actor session load back in,
// together with the join that triggered it.
type hydratedCmd struct {
	baseCmd
	id        domain.ConnID
	sessionID uuid.UUID
	session   *domain.Session
	err       error
}

type joinCmd struct {
	baseCmd
	sessionID uuid.UUID
	id        domain.ConnID
	role      domain.Role
	reply     chan result[domain.JoinResult]
}

type leaveCmd struct {
	baseCmd
	sessionID uuid.UUID
	id        domain.ConnID
	reply     chan result[struct{}]
}

type roleOfCmd struct {
	baseCmd
	sessionID uuid.UUID
	userID    string
	reply     chan result[domain.Role]
}

type recordActivityCmd struct {
	baseCmd
	sessionID uuid.UUID
	identity  domain.Identity
	action    string
	details   json.RawMessage
	reply     chan result[domain.ActivityEntry]
}

type setStatusCmd struct {
	baseCmd
	sessionID uuid.UUID
	status    domain.Status
	reply     chan result[struct{}]
}

type sessionSnapshotCmd struct {
	baseCmd
	sessionID uuid.UUID
	reply     chan result[*domain.Session]
}

type subscribeCmd struct {
	baseCmd
	topic     string
	id        domain.ConnID
	subscribe bool
	reply     chan result[bool]
}

type subscribersOfCmd struct {
	baseCmd
	topic string
	reply chan result[[]domain.ConnID]
}

type topicsOfCmd struct {
	baseCmd
	id    domain.ConnID
	reply chan result[[]string]
}

type setRuleCmd struct {
	baseCmd
	id        domain.ConnID
	topic     string
	op        domain.Operator
	threshold float64
	reply     chan result[domain.AlertRule]
}

type removeRuleCmd struct {
	baseCmd
	ruleID uuid.UUID
	reply  chan result[struct{}]
}

type publishMetricCmd struct {
	baseCmd
	update domain.MetricUpdate
	reply  chan result[int]
}

// scoreResultCmd carries an off-actor score lookup back to the requester.
type scoreResultCmd struct {
	baseCmd
	id    domain.ConnID
	topic string
	value float64
	err   error
}

type statsCmd struct {
	baseCmd
	reply chan result[domain.Stats]
}

type sweepKind int

const (
	sweepLiveness sweepKind = iota
	sweepExpiry
	sweepArchive
)

type sweepCmd struct {
	baseCmd
	kind  sweepKind
	reply chan result[int]
}

type shutdownCmd struct {
	baseCmd
	reason string
}
