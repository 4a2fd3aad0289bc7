package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/platform/correlation"
)

const releaseTimeout = 5 * time.Second

// Lease is a cluster-wide single-holder lock.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Purger deletes sessions archived before cutoff.
type Purger interface {
	PurgeArchived(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor purges archived sessions from the shared store. Every instance
// runs one, but only the lease holder does any work on a given tick.
type Janitor struct {
	lease     Lease
	purger    Purger
	clock     clockwork.Clock
	interval  time.Duration
	retention time.Duration
	metrics   *metrics.StoreMetrics
	leader    prometheus.Gauge
}

func NewJanitor(lease Lease, purger Purger, clock clockwork.Clock, interval, retention time.Duration, m *metrics.StoreMetrics, leader prometheus.Gauge) *Janitor {
	return &Janitor{
		lease:     lease,
		purger:    purger,
		clock:     clock,
		interval:  interval,
		retention: retention,
		metrics:   m,
		leader:    leader,
	}
}

// Run purges on every tick until ctx is cancelled, then gives the lease up.
func (j *Janitor) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			tickCtx := correlation.WithID(ctx, correlation.NewID())
			if _, err := j.RunOnce(tickCtx); err != nil {
				slog.ErrorContext(tickCtx, "Janitor run failed", "error", err)
			}
		case <-ctx.Done():
			j.release()
			return
		}
	}
}

// RunOnce purges if this instance holds or wins the lease and reports how
// many sessions were removed.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	leader, err := j.lease.Acquire(ctx)
	if err != nil {
		j.leader.Set(0)
		return 0, err
	}
	if !leader {
		j.leader.Set(0)
		slog.DebugContext(ctx, "Janitor skipped, another instance holds the lease")
		return 0, nil
	}
	j.leader.Set(1)

	cutoff := j.clock.Now().Add(-j.retention)
	n, err := j.purger.PurgeArchived(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.metrics.PurgedSessions.Add(float64(n))
		slog.InfoContext(ctx, "Purged archived sessions", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (j *Janitor) release() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := j.lease.Release(ctx); err != nil {
		slog.Warn("Failed to release janitor lease", "error", err)
	}
	j.leader.Set(0)
}
