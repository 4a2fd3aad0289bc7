package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/domain"
)

var (
	ErrPersisterFull    = errors.New("persister queue full")
	ErrPersisterStopped = errors.New("persister stopped")
)

const (
	defaultPersistQueueSize = 4096
	defaultWriteTimeout     = 5 * time.Second
)

type PersisterOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	// Debouncer, when set, collapses last-activity-only participant updates
	// to one write per user and session per debounce window.
	Debouncer domain.Debouncer
	Metrics   *metrics.StoreMetrics
}

// Persister is the fire-and-forget SessionStore the hub writes to. Calls
// enqueue and return immediately; a single worker applies them in order to
// the backing store behind a circuit breaker.
type Persister struct {
	store     domain.SessionStore
	debouncer domain.Debouncer
	metrics   *metrics.StoreMetrics
	timeout   time.Duration
	cb        *gobreaker.CircuitBreaker

	queue    chan pendingWrite
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ domain.SessionStore = (*Persister)(nil)

type pendingWrite struct {
	kind  string
	apply func(ctx context.Context) error
}

func NewPersister(store domain.SessionStore, opts PersisterOptions) *Persister {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultPersistQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	p := &Persister{
		store:     store,
		debouncer: opts.Debouncer,
		metrics:   opts.Metrics,
		timeout:   opts.WriteTimeout,
		queue:     make(chan pendingWrite, opts.QueueSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "session-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			p.metrics.BreakerState.Set(float64(to))
		},
	})

	go p.run()
	return p
}

func (p *Persister) SaveSession(_ context.Context, s *domain.Session) error {
	return p.enqueue("session", func(ctx context.Context) error {
		return p.store.SaveSession(ctx, s)
	})
}

func (p *Persister) SaveActivity(_ context.Context, sessionID uuid.UUID, entry domain.ActivityEntry) error {
	return p.enqueue("activity", func(ctx context.Context) error {
		return p.store.SaveActivity(ctx, sessionID, entry)
	})
}

func (p *Persister) SaveMessage(_ context.Context, sessionID uuid.UUID, msg domain.ChatMessage) error {
	return p.enqueue("message", func(ctx context.Context) error {
		return p.store.SaveMessage(ctx, sessionID, msg)
	})
}

func (p *Persister) UpdateParticipant(_ context.Context, sessionID uuid.UUID, userID string, patch domain.ParticipantPatch) error {
	if p.debouncer != nil && activityOnly(patch) {
		return p.enqueue("last_activity", func(ctx context.Context) error {
			key := sessionID.String() + ":" + userID
			debounced, err := p.debouncer.IsDebounced(ctx, key)
			if err != nil {
				slog.Debug("Debounce check failed, writing anyway", "session_id", sessionID, "user_id", userID, "error", err)
			}
			if debounced {
				p.metrics.WritesDropped.WithLabelValues("debounced").Inc()
				return nil
			}
			return p.store.UpdateParticipant(ctx, sessionID, userID, patch)
		})
	}
	return p.enqueue("participant", func(ctx context.Context) error {
		return p.store.UpdateParticipant(ctx, sessionID, userID, patch)
	})
}

func (p *Persister) ArchiveSession(_ context.Context, s *domain.Session) error {
	return p.enqueue("archive", func(ctx context.Context) error {
		return p.store.ArchiveSession(ctx, s)
	})
}

func activityOnly(patch domain.ParticipantPatch) bool {
	return patch.LastActivity != nil &&
		patch.DisplayName == nil && patch.Role == nil && patch.JoinedAt == nil && patch.LeftAt == nil
}

func (p *Persister) enqueue(kind string, apply func(ctx context.Context) error) error {
	select {
	case <-p.stopCh:
		p.metrics.WritesDropped.WithLabelValues("stopped").Inc()
		return fmt.Errorf("%s write: %w", kind, ErrPersisterStopped)
	default:
	}

	select {
	case p.queue <- pendingWrite{kind: kind, apply: apply}:
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		p.metrics.WritesDropped.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("%s write: %w", kind, ErrPersisterFull)
	}
}

func (p *Persister) run() {
	defer close(p.done)
	for {
		select {
		case w := <-p.queue:
			p.apply(w)
		case <-p.stopCh:
			p.drain()
			return
		}
	}
}

func (p *Persister) drain() {
	for {
		select {
		case w := <-p.queue:
			p.apply(w)
		default:
			return
		}
	}
}

func (p *Persister) apply(w pendingWrite) {
	p.metrics.QueueDepth.Set(float64(len(p.queue)))

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, w.apply(ctx)
	})
	switch {
	case err == nil:
		p.metrics.WritesTotal.WithLabelValues(w.kind, "ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.metrics.WritesDropped.WithLabelValues("breaker_open").Inc()
		slog.Debug("Store write dropped, breaker open", "kind", w.kind)
	default:
		p.metrics.WritesTotal.WithLabelValues(w.kind, "error").Inc()
		slog.Error("Store write failed", "kind", w.kind, "error", err)
	}
}

// Close stops accepting writes and waits for the queued ones to finish or
// for ctx to expire.
func (p *Persister) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("persister drain: %w", ctx.Err())
	}
}
