package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/pulsehub/internal/domain"
)

const debounceKeyPrefix = "debounce:"

// Debouncer admits a key once per window across every instance sharing the
// Redis server.
type Debouncer struct {
	rdb    *goredis.Client
	window time.Duration
}

var _ domain.Debouncer = (*Debouncer)(nil)

func NewDebouncer(rdb *goredis.Client, window time.Duration) *Debouncer {
	return &Debouncer{rdb: rdb, window: window}
}

// IsDebounced returns true if key was admitted within the window, and false
// (recording key) otherwise.
func (d *Debouncer) IsDebounced(ctx context.Context, key string) (bool, error) {
	args := goredis.SetArgs{TTL: d.window, Mode: "NX"}
	_, err := d.rdb.SetArgs(ctx, debounceKeyPrefix+key, "1", args).Result()
	if errors.Is(err, goredis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to set debounce: %w", err)
	}
	return false, nil
}
