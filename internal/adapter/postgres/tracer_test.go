package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
)

func TestQueryVerb(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT 1", "select"},
		{"\n\t\tINSERT INTO sessions (id) VALUES ($1)", "insert"},
		{"delete from sessions", "delete"},
		{"", "unknown"},
		{"   ", "unknown"},
		{"averyveryverylongstatementname", "averyveryverylongsta"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, queryVerb(tt.sql), tt.sql)
	}
}

func TestApplyPoolOptions(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/db?pool_max_conns=4")
	require.NoError(t, err)

	applyPoolOptions(cfg, PoolOptions{})
	assert.Equal(t, int32(4), cfg.MaxConns)
	assert.Nil(t, cfg.ConnConfig.Tracer)

	tracer := NewMetricsTracer(metrics.NewStoreMetrics(prometheus.NewRegistry()))
	applyPoolOptions(cfg, PoolOptions{Tracer: tracer, MaxConns: 8, MinConns: 12})
	assert.Equal(t, int32(8), cfg.MaxConns)
	assert.Equal(t, int32(8), cfg.MinConns, "min is capped at max")
	assert.Same(t, tracer, cfg.ConnConfig.Tracer)
}
