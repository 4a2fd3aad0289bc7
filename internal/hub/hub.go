package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/domain"
)

const (
	commandTimeout    = 5 * time.Second
	stopTimeout       = 10 * time.Second
	commandBufferSize = 1024
	depthWarnLevel    = commandBufferSize * 8 / 10
	loadTimeout       = 5 * time.Second
	persistTimeout    = 5 * time.Second
)

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	Clock   clockwork.Clock
	Metrics *metrics.HubMetrics

	// Store receives session writes. It must not block; production wires the
	// asynchronous persister here. Nil disables persistence.
	Store domain.SessionStore
	// Loader hydrates sessions that are not held in memory. Nil disables it.
	Loader domain.SessionLoader
	// Scores answers request_score_update for topics without a cached value.
	Scores domain.ScoreSource

	PingInterval         time.Duration
	ExpirySweepInterval  time.Duration
	ArchiveSweepInterval time.Duration
	Retention            time.Duration
	ActivityLogCap       int
	// AlertDebounce suppresses repeat alerts of one rule inside the window.
	// Zero fires on every breaching evaluation.
	AlertDebounce time.Duration

	// OnConnectionClosed runs inside the actor after a connection's cleanup.
	OnConnectionClosed func(id domain.ConnID, identity domain.Identity, reason string)
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewHubMetrics(prometheus.NewRegistry())
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ExpirySweepInterval <= 0 {
		o.ExpirySweepInterval = time.Hour
	}
	if o.ArchiveSweepInterval <= 0 {
		o.ArchiveSweepInterval = 6 * time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.ActivityLogCap <= 0 {
		o.ActivityLogCap = 500
	}
}

// Hub owns all connection, session, subscription and alert state.
type Hub struct {
	cmdCh   chan hubCmd
	clock   clockwork.Clock
	opts    Options
	metrics *metrics.HubMetrics

	conns    *connRegistry
	sessions *sessionDirectory
	topics   *topicIndex
	alerts   *alertEvaluator
	scores   map[string]float64

	evictions []eviction

	done     chan struct{}
	doneOnce sync.Once
}

type eviction struct {
	id     domain.ConnID
	reason string
}

func New(opts Options) *Hub {
	opts.applyDefaults()
	h := &Hub{
		cmdCh:    make(chan hubCmd, commandBufferSize),
		clock:    opts.Clock,
		opts:     opts,
		metrics:  opts.Metrics,
		conns:    newConnRegistry(),
		sessions: newSessionDirectory(opts.ActivityLogCap),
		topics:   newTopicIndex(),
		alerts:   newAlertEvaluator(opts.AlertDebounce),
		scores:   make(map[string]float64),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

// Register adds a connection for an authenticated identity and sends it a
// welcome event.
func (h *Hub) Register(ctx context.Context, peer Peer, identity domain.Identity) (domain.ConnID, error) {
	return call(ctx, h, func(reply chan result[domain.ConnID]) hubCmd {
		return registerCmd{peer: peer, identity: identity, reply: reply}
	})
}

// Unregister removes a connection and everything that references it.
// Unknown or already removed ids are ignored.
func (h *Hub) Unregister(id domain.ConnID) {
	h.enqueue(unregisterCmd{id: id, reason: reasonDisconnected})
}

// Touch records inbound traffic that is not dispatched as a message. It
// refreshes the last-activity time and counts as a liveness response.
func (h *Hub) Touch(id domain.ConnID) {
	h.enqueue(touchCmd{id: id})
}

// MarkAlive records a liveness probe response.
func (h *Hub) MarkAlive(id domain.ConnID) {
	h.enqueue(touchCmd{id: id, pong: true})
}

func (h *Hub) IsAlive(ctx context.Context, id domain.ConnID) (bool, error) {
	return call(ctx, h, func(reply chan result[bool]) hubCmd {
		return isAliveCmd{id: id, reply: reply}
	})
}

func (h *Hub) Connection(ctx context.Context, id domain.ConnID) (domain.ConnectionInfo, error) {
	return call(ctx, h, func(reply chan result[domain.ConnectionInfo]) hubCmd {
		return connectionCmd{id: id, reply: reply}
	})
}

// HandleInbound dispatches a parsed client message. Errors are reported to
// the client as error events.
func (h *Hub) HandleInbound(id domain.ConnID, msg domain.InboundMessage) {
	h.enqueue(inboundCmd{id: id, msg: msg})
}

// SendTo delivers an event to one connection. Unknown connections are ignored.
func (h *Hub) SendTo(id domain.ConnID, ev domain.Event) {
	h.enqueue(sendToCmd{id: id, event: ev})
}

// BroadcastToSession delivers ev to every connection in the session except
// the excluded ones and returns the number of recipients.
func (h *Hub) BroadcastToSession(ctx context.Context, sessionID uuid.UUID, ev domain.Event, exclude ...domain.ConnID) (int, error) {
	return call(ctx, h, func(reply chan result[int]) hubCmd {
		return sessionBroadcastCmd{sessionID: sessionID, event: ev, exclude: exclude, reply: reply}
	})
}

// BroadcastToSessionExceptUser excludes every connection of one identity.
func (h *Hub) BroadcastToSessionExceptUser(ctx context.Context, sessionID uuid.UUID, ev domain.Event, userID string) (int, error) {
	return call(ctx, h, func(reply chan result[int]) hubCmd {
		return sessionBroadcastCmd{sessionID: sessionID, event: ev, excludeUser: userID, reply: reply}
	})
}

func (h *Hub) BroadcastToTopic(ctx context.Context, topic string, ev domain.Event) (int, error) {
	return call(ctx, h, func(reply chan result[int]) hubCmd {
		return topicBroadcastCmd{topic: topic, event: ev, reply: reply}
	})
}

func (h *Hub) CreateSession(ctx context.Context, kind string, settings domain.Settings, creator domain.Identity) (uuid.UUID, error) {
	return call(ctx, h, func(reply chan result[uuid.UUID]) hubCmd {
		return createSessionCmd{kind: kind, settings: settings, creator: creator, reply: reply}
	})
}

// AdoptSession installs a session snapshot, typically one loaded from the store.
func (h *Hub) AdoptSession(ctx context.Context, s *domain.Session) error {
	_, err := call(ctx, h, func(reply chan result[struct{}]) hubCmd {
		return adoptSessionCmd{session: s, reply: reply}
	})
	return err
}

// Join attaches a connection to a session under the connection's identity.
func (h *Hub) Join(ctx context.Context, sessionID uuid.UUID, id domain.ConnID, role domain.Role) (domain.JoinResult, error) {
	return call(ctx, h, func(reply chan result[domain.JoinResult]) hubCmd {
		return joinCmd{sessionID: sessionID, id: id, role: role, reply: reply}
	})
}

func (h *Hub) Leave(ctx context.Context, sessionID uuid.UUID, id domain.ConnID) error {
	_, err := call(ctx, h, func(reply chan result[struct{}]) hubCmd {
		return leaveCmd{sessionID: sessionID, id: id, reply: reply}
	})
	return err
}

// RoleOf returns the identity's role in the session, viewer if unknown.
func (h *Hub) RoleOf(ctx context.Context, sessionID uuid.UUID, userID string) (domain.Role, error) {
	return call(ctx, h, func(reply chan result[domain.Role]) hubCmd {
		return roleOfCmd{sessionID: sessionID, userID: userID, reply: reply}
	})
}

func (h *Hub) RecordActivity(ctx context.Context, sessionID uuid.UUID, identity domain.Identity, action string, details json.RawMessage) (domain.ActivityEntry, error) {
	return call(ctx, h, func(reply chan result[domain.ActivityEntry]) hubCmd {
		return recordActivityCmd{sessionID: sessionID, identity: identity, action: action, details: details, reply: reply}
	})
}

func (h *Hub) PauseSession(ctx context.Context, sessionID uuid.UUID) error {
	return h.setStatus(ctx, sessionID, domain.StatusPaused)
}

func (h *Hub) ResumeSession(ctx context.Context, sessionID uuid.UUID) error {
	return h.setStatus(ctx, sessionID, domain.StatusActive)
}

// CloseSession removes every participant and completes the session.
func (h *Hub) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	return h.setStatus(ctx, sessionID, domain.StatusCompleted)
}

func (h *Hub) setStatus(ctx context.Context, sessionID uuid.UUID, status domain.Status) error {
	_, err := call(ctx, h, func(reply chan result[struct{}]) hubCmd {
		return setStatusCmd{sessionID: sessionID, status: status, reply: reply}
	})
	return err
}

// Session returns a snapshot of a session held in memory.
func (h *Hub) Session(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	return call(ctx, h, func(reply chan result[*domain.Session]) hubCmd {
		return sessionSnapshotCmd{sessionID: sessionID, reply: reply}
	})
}

func (h *Hub) Subscribe(ctx context.Context, topic string, id domain.ConnID) error {
	_, err := call(ctx, h, func(reply chan result[bool]) hubCmd {
		return subscribeCmd{topic: topic, id: id, subscribe: true, reply: reply}
	})
	return err
}

func (h *Hub) Unsubscribe(ctx context.Context, topic string, id domain.ConnID) error {
	_, err := call(ctx, h, func(reply chan result[bool]) hubCmd {
		return subscribeCmd{topic: topic, id: id, reply: reply}
	})
	return err
}

func (h *Hub) SubscribersOf(ctx context.Context, topic string) ([]domain.ConnID, error) {
	return call(ctx, h, func(reply chan result[[]domain.ConnID]) hubCmd {
		return subscribersOfCmd{topic: topic, reply: reply}
	})
}

func (h *Hub) TopicsOf(ctx context.Context, id domain.ConnID) ([]string, error) {
	return call(ctx, h, func(reply chan result[[]string]) hubCmd {
		return topicsOfCmd{id: id, reply: reply}
	})
}

func (h *Hub) SetRule(ctx context.Context, id domain.ConnID, topic string, op domain.Operator, threshold float64) (uuid.UUID, error) {
	rule, err := call(ctx, h, func(reply chan result[domain.AlertRule]) hubCmd {
		return setRuleCmd{id: id, topic: topic, op: op, threshold: threshold, reply: reply}
	})
	return rule.ID, err
}

func (h *Hub) RemoveRule(ctx context.Context, ruleID uuid.UUID) error {
	_, err := call(ctx, h, func(reply chan result[struct{}]) hubCmd {
		return removeRuleCmd{ruleID: ruleID, reply: reply}
	})
	return err
}

// PublishMetric fans a metric value out to the topic's subscribers and
// evaluates the topic's alert rules. It returns the number of alerts emitted.
func (h *Hub) PublishMetric(ctx context.Context, update domain.MetricUpdate) (int, error) {
	return call(ctx, h, func(reply chan result[int]) hubCmd {
		return publishMetricCmd{update: update, reply: reply}
	})
}

func (h *Hub) Stats(ctx context.Context) (domain.Stats, error) {
	return call(ctx, h, func(reply chan result[domain.Stats]) hubCmd {
		return statsCmd{reply: reply}
	})
}

// Shutdown sends server_shutdown to every connection, closes them and stops
// the actor. It blocks until the actor exits or the stop timeout elapses.
func (h *Hub) Shutdown(ctx context.Context) error {
	if err := h.submit(ctx, shutdownCmd{reason: "server shutting down"}); err != nil {
		return err
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
		return nil
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
		return fmt.Errorf("%w: stop timeout exceeded", domain.ErrCommandTimeout)
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

// Done is closed once the actor has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) enqueue(cmd hubCmd) {
	select {
	case h.cmdCh <- cmd:
	case <-h.done:
	}
}

func (h *Hub) submit(ctx context.Context, cmd hubCmd) error {
	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return domain.ErrHubStopped
	case <-ctx.Done():
		return fmt.Errorf("hub command: %w", ctx.Err())
	}
}

type result[T any] struct {
	val T
	err error
}

func reply[T any](ch chan result[T], val T, err error) {
	ch <- result[T]{val: val, err: err}
}

// call submits a command and waits for its reply, bounded by commandTimeout.
func call[T any](ctx context.Context, h *Hub, build func(chan result[T]) hubCmd) (T, error) {
	var zero T
	replyCh := make(chan result[T], 1)
	if err := h.submit(ctx, build(replyCh)); err != nil {
		return zero, err
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case r := <-replyCh:
		return r.val, r.err
	case <-timer.Chan():
		h.metrics.CommandTimeouts.Inc()
		return zero, fmt.Errorf("%w after %v", domain.ErrCommandTimeout, commandTimeout)
	case <-ctx.Done():
		return zero, fmt.Errorf("hub command: %w", ctx.Err())
	case <-h.done:
		select {
		case r := <-replyCh:
			return r.val, r.err
		default:
			return zero, domain.ErrHubStopped
		}
	}
}

func (h *Hub) run() {
	defer h.doneOnce.Do(func() { close(h.done) })
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.metrics.Panics.Inc()
			h.closeAll("internal error")
		}
	}()

	depthTicker := h.clock.NewTicker(time.Second)
	defer depthTicker.Stop()
	livenessTicker := h.clock.NewTicker(h.opts.PingInterval)
	defer livenessTicker.Stop()
	expiryTicker := h.clock.NewTicker(h.opts.ExpirySweepInterval)
	defer expiryTicker.Stop()
	archiveTicker := h.clock.NewTicker(h.opts.ArchiveSweepInterval)
	defer archiveTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(h.cmdCh)
			h.metrics.CommandQueueDepth.Set(float64(depth))
			if depth > depthWarnLevel {
				slog.Warn("Hub command queue near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}
			h.refreshGauges()

		case cmd := <-h.cmdCh:
			if stop := h.handle(cmd); stop {
				return
			}

		case <-livenessTicker.Chan():
			h.handleLivenessTick()

		case <-expiryTicker.Chan():
			h.handleExpirySweep()

		case <-archiveTicker.Chan():
			h.handleArchiveSweep()
		}
		h.drainEvictions()
	}
}

func (h *Hub) handle(cmd hubCmd) (stop bool) {
	now := h.clock.Now()

	switch c := cmd.(type) {
	case registerCmd:
		reply(c.reply, h.register(c.peer, c.identity, now), nil)
	case unregisterCmd:
		h.unregister(c.id, c.reason)
	case touchCmd:
		h.touch(c.id, c.pong, now)
	case connectionCmd:
		conn, ok := h.conns.get(c.id)
		if !ok {
			reply(c.reply, domain.ConnectionInfo{}, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, c.id))
			return false
		}
		reply(c.reply, conn.info(), nil)
	case isAliveCmd:
		conn, ok := h.conns.get(c.id)
		if !ok {
			reply(c.reply, false, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, c.id))
			return false
		}
		reply(c.reply, conn.alive, nil)
	case inboundCmd:
		h.handleInbound(c.id, c.msg, now)
	case sendToCmd:
		h.sendTo(c.id, c.event)
	case sessionBroadcastCmd:
		var n int
		var err error
		if c.excludeUser != "" {
			n, err = h.broadcastToSessionExceptUser(c.sessionID, c.event, c.excludeUser)
		} else {
			n, err = h.broadcastToSession(c.sessionID, c.event, c.exclude...)
		}
		reply(c.reply, n, err)
	case topicBroadcastCmd:
		reply(c.reply, h.broadcastToTopic(c.topic, c.event), nil)
	case createSessionCmd:
		id, err := h.createSession(c.kind, c.settings, c.creator, now)
		reply(c.reply, id, err)
	case adoptSessionCmd:
		h.sessions.adopt(c.session)
		reply(c.reply, struct{}{}, nil)
	case hydratedCmd:
		h.handleHydrated(c, now)
	case joinCmd:
		res, err := h.join(c.sessionID, c.id, c.role, now)
		reply(c.reply, res, err)
	case leaveCmd:
		reply(c.reply, struct{}{}, h.leave(c.sessionID, c.id, now))
	case roleOfCmd:
		role, err := h.sessions.roleOf(c.sessionID, c.userID)
		reply(c.reply, role, err)
	case recordActivityCmd:
		entry, err := h.recordActivity(c.sessionID, c.identity, c.action, c.details, now)
		reply(c.reply, entry, err)
	case setStatusCmd:
		reply(c.reply, struct{}{}, h.setSessionStatus(c.sessionID, c.status, now))
	case sessionSnapshotCmd:
		s, err := h.sessions.get(c.sessionID)
		if err != nil {
			reply(c.reply, nil, err)
			return false
		}
		reply(c.reply, s.snapshot(), nil)
	case subscribeCmd:
		changed, err := h.subscribe(c.topic, c.id, c.subscribe)
		reply(c.reply, changed, err)
	case subscribersOfCmd:
		reply(c.reply, h.topics.subscribersOf(c.topic), nil)
	case topicsOfCmd:
		reply(c.reply, h.topics.topicsOf(c.id), nil)
	case setRuleCmd:
		rule, err := h.setRule(c.id, c.topic, c.op, c.threshold, now)
		reply(c.reply, rule, err)
	case removeRuleCmd:
		_, err := h.alerts.remove(c.ruleID)
		reply(c.reply, struct{}{}, err)
	case publishMetricCmd:
		reply(c.reply, h.publishMetric(c.update, now), nil)
	case scoreResultCmd:
		h.handleScoreResult(c, now)
	case statsCmd:
		reply(c.reply, h.stats(), nil)
	case sweepCmd:
		reply(c.reply, h.sweep(c.kind), nil)
	case shutdownCmd:
		h.handleShutdown(c.reason)
		return true
	default:
		slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
	return false
}

func (h *Hub) register(peer Peer, identity domain.Identity, now time.Time) domain.ConnID {
	conn := &connEntry{
		id:           domain.ConnID(ulid.Make().String()),
		identity:     identity,
		peer:         peer,
		createdAt:    now,
		lastActivity: now,
		alive:        true,
		sessions:     make(map[uuid.UUID]struct{}),
	}
	h.conns.add(conn)
	h.metrics.Connections.Set(float64(h.conns.len()))

	h.sendTo(conn.id, domain.Event{
		Type: domain.EventWelcome,
		Data: welcome{
			ConnectionID: conn.id,
			Identity:     identity,
			PingInterval: h.opts.PingInterval.Seconds(),
		},
		Timestamp: now,
	})

	slog.Debug("Connection registered", "conn_id", conn.id, "user_id", identity.UserID, "total_connections", h.conns.len())
	return conn.id
}

type welcome struct {
	ConnectionID domain.ConnID   `json:"connection_id"`
	Identity     domain.Identity `json:"identity"`
	PingInterval float64         `json:"ping_interval_seconds"`
}

func (h *Hub) touch(id domain.ConnID, pong bool, now time.Time) {
	conn, ok := h.conns.get(id)
	if !ok {
		return
	}
	conn.alive = true
	if !pong {
		conn.lastActivity = now
	}
}

func (h *Hub) subscribe(topic string, id domain.ConnID, subscribe bool) (bool, error) {
	if _, ok := h.conns.get(id); !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, id)
	}
	if topic == "" {
		return false, fmt.Errorf("%w: topic is required", domain.ErrInvalidMessage)
	}
	if subscribe {
		return h.topics.subscribe(topic, id), nil
	}
	return h.topics.unsubscribe(topic, id), nil
}

func (h *Hub) setRule(id domain.ConnID, topic string, op domain.Operator, threshold float64, now time.Time) (domain.AlertRule, error) {
	if _, ok := h.conns.get(id); !ok {
		return domain.AlertRule{}, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, id)
	}
	rule, err := h.alerts.set(id, topic, op, threshold, now)
	if err != nil {
		return domain.AlertRule{}, err
	}
	return *rule, nil
}

func (h *Hub) stats() domain.Stats {
	sessions, active := h.sessions.counts()
	topics, subscriptions := h.topics.counts()
	return domain.Stats{
		Connections:    h.conns.len(),
		Sessions:       sessions,
		ActiveSessions: active,
		Topics:         topics,
		Subscriptions:  subscriptions,
		AlertRules:     h.alerts.len(),
	}
}

func (h *Hub) refreshGauges() {
	byStatus := map[domain.Status]int{
		domain.StatusActive:    0,
		domain.StatusPaused:    0,
		domain.StatusCompleted: 0,
		domain.StatusExpired:   0,
	}
	for _, s := range h.sessions.sessions {
		byStatus[s.status]++
	}
	for status, n := range byStatus {
		h.metrics.Sessions.WithLabelValues(string(status)).Set(float64(n))
	}
	topics, _ := h.topics.counts()
	h.metrics.Topics.Set(float64(topics))
	h.metrics.AlertRules.Set(float64(h.alerts.len()))
	h.metrics.Connections.Set(float64(h.conns.len()))
}

func (h *Hub) handleShutdown(reason string) {
	slog.Info("Hub shutting down", "connections", h.conns.len(), "sessions", len(h.sessions.sessions))

	h.broadcastAll(domain.Event{
		Type:      domain.EventServerShutdown,
		Message:   reason,
		Timestamp: h.clock.Now(),
	})
	h.closeAll(reason)

	slog.Info("Hub shutdown complete")
}

// closeAll closes every peer without per-session teardown.
func (h *Hub) closeAll(reason string) {
	for id, conn := range h.conns.conns {
		conn.peer.Close(reason)
		h.conns.remove(id)
	}
	h.evictions = nil
	h.metrics.Connections.Set(0)
}

// persist runs fn against the store if one is configured.
func (h *Hub) persist(fn func(ctx context.Context, store domain.SessionStore) error) {
	if h.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := fn(ctx, h.opts.Store); err != nil {
		slog.Warn("Failed to hand write to store", "error", err)
	}
}
