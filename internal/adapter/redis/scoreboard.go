package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/pulsehub/internal/domain"
)

const scoresKey = "pulsehub:scores"

// Scoreboard answers score requests from the latest values any instance
// published, so a fresh instance can serve topics it has not seen yet.
type Scoreboard struct {
	rdb *goredis.Client
}

var _ domain.ScoreSource = (*Scoreboard)(nil)

func NewScoreboard(rdb *goredis.Client) *Scoreboard {
	return &Scoreboard{rdb: rdb}
}

func (s *Scoreboard) CurrentScore(ctx context.Context, topic string) (float64, error) {
	raw, err := s.rdb.HGet(ctx, scoresKey, topic).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("%w: %s", domain.ErrScoreUnavailable, topic)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read score for %s: %w", topic, err)
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt score for %s: %w", topic, err)
	}
	return value, nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
