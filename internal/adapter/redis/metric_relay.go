package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/domain"
)

const metricChannel = "pulsehub:metrics"

// MetricSink receives updates relayed from other instances.
type MetricSink interface {
	PublishMetric(ctx context.Context, update domain.MetricUpdate) (int, error)
}

// MetricRelay fans metric updates out over Redis pub/sub and records the
// latest value per topic on the scoreboard. Every message carries the
// publishing instance's id so an instance skips its own echo.
type MetricRelay struct {
	rdb        *goredis.Client
	instanceID string
	metrics    *metrics.RedisMetrics
}

var _ domain.MetricRelay = (*MetricRelay)(nil)

func NewMetricRelay(rdb *goredis.Client, instanceID string, m *metrics.RedisMetrics) *MetricRelay {
	return &MetricRelay{rdb: rdb, instanceID: instanceID, metrics: m}
}

func (r *MetricRelay) Publish(ctx context.Context, update domain.MetricUpdate) error {
	update.Origin = r.instanceID
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode metric update: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, scoresKey, update.Topic, formatScore(update.Value))
		pipe.Publish(ctx, metricChannel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish metric update: %w", err)
	}
	r.metrics.RelayPublished.Inc()
	return nil
}

// Start delivers updates from other instances to sink until ctx is done.
// ready, if not nil, is closed once the subscription is confirmed.
func (r *MetricRelay) Start(ctx context.Context, sink MetricSink, ready chan<- struct{}) error {
	pubsub := r.rdb.Subscribe(ctx, metricChannel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to metric relay: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, sink, msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *MetricRelay) deliver(ctx context.Context, sink MetricSink, payload string) {
	var update domain.MetricUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		slog.Warn("Dropping malformed relayed metric", "error", err)
		return
	}
	if update.Origin == r.instanceID {
		return
	}
	r.metrics.RelayReceived.Inc()

	if _, err := sink.PublishMetric(ctx, update); err != nil {
		slog.Warn("Failed to apply relayed metric", "topic", update.Topic, "origin", update.Origin, "error", err)
	}
}
