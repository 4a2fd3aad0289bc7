package domain

import (
	"context"
	"time"
)

// MetricUpdate is a numeric value published on a topic.
type MetricUpdate struct {
	Topic  string    `json:"topic"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin,omitempty"`
}

type ScoreChange struct {
	Topic    string  `json:"topic"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}

// ScoreSource answers request_score_update for topics the hub has no value for yet.
type ScoreSource interface {
	CurrentScore(ctx context.Context, topic string) (float64, error)
}

// MetricRelay fans metric updates out to the other hub instances.
type MetricRelay interface {
	Publish(ctx context.Context, update MetricUpdate) error
}

// Debouncer reports whether key was already seen within the debounce window,
// recording it when it was not.
type Debouncer interface {
	IsDebounced(ctx context.Context, key string) (bool, error)
}

type Stats struct {
	Connections    int `json:"connections"`
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"active_sessions"`
	Topics         int `json:"topics"`
	Subscriptions  int `json:"subscriptions"`
	AlertRules     int `json:"alert_rules"`
}
