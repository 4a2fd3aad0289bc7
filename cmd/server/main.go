package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/pulsehub/internal/adapter/httpserver"
	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/adapter/postgres"
	"github.com/pscheid92/pulsehub/internal/adapter/redis"
	"github.com/pscheid92/pulsehub/internal/adapter/websocket"
	"github.com/pscheid92/pulsehub/internal/app"
	"github.com/pscheid92/pulsehub/internal/auth"
	"github.com/pscheid92/pulsehub/internal/hub"
	"github.com/pscheid92/pulsehub/internal/platform/config"
	"github.com/pscheid92/pulsehub/internal/platform/crypto"
	"github.com/pscheid92/pulsehub/internal/platform/logging"
	"github.com/pscheid92/pulsehub/internal/platform/retry"
	"github.com/pscheid92/pulsehub/internal/platform/version"
)

const (
	startupTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
	janitorLeaseKey = "pulsehub:janitor:leader"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// startupPolicy rides out dependencies that come up after the server,
// as happens under docker compose or a fresh cluster rollout.
func startupPolicy(dependency string) retry.Policy {
	return retry.Policy{
		MaxAttempts:    6,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Dependency not reachable, retrying", "dependency", dependency, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
}

func setupDB(ctx context.Context, cfg *config.Config, m *metrics.StoreMetrics) *pgxpool.Pool {
	pool, err := retry.Do(ctx, startupPolicy("postgres"), retry.Transient, func(ctx context.Context) (*pgxpool.Pool, error) {
		return postgres.Connect(ctx, cfg.DatabaseURL, postgres.PoolOptions{
			Tracer:   postgres.NewMetricsTracer(m),
			MaxConns: int32(cfg.DBMaxConns),
			MinConns: int32(cfg.DBMinConns),
		})
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	client, err := retry.Do(ctx, startupPolicy("redis"), retry.Transient, func(ctx context.Context) (*goredis.Client, error) {
		return redis.NewClient(ctx, cfg.RedisURL, m)
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupTokens(cfg *config.Config, clock clockwork.Clock) *auth.TokenService {
	sealer, err := crypto.NewSealer(cfg.TokenKey)
	if err != nil {
		slog.Error("Failed to create token sealer", "error", err)
		os.Exit(1)
	}
	return auth.NewTokenService(sealer, clock)
}

type background struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (b *background) stop() {
	b.cancel()
	b.wg.Wait()
}

func startBackground(relay *redis.MetricRelay, sink redis.MetricSink, janitor *app.Janitor) *background {
	ctx, cancel := context.WithCancel(context.Background())
	b := &background{cancel: cancel}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		if err := relay.Start(ctx, sink, nil); err != nil {
			slog.Error("Metric relay stopped", "error", err)
		}
	}()
	go func() {
		defer b.wg.Done()
		janitor.Run(ctx)
	}()
	return b
}

func runGracefulShutdown(srv *httpserver.Server, h *hub.Hub, bg *background, persister *app.Persister) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are invisible to the HTTP server, so
		// the hub closes them first.
		if err := h.Shutdown(ctx); err != nil {
			slog.Error("Hub shutdown error", "error", err)
		}
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		bg.stop()

		if err := persister.Close(ctx); err != nil {
			slog.Error("Persister did not drain", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()
	logging.Init(cfg.LogLevel, cfg.LogFormat, cfg.InstanceID)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	m := metrics.NewSet()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	pool := setupDB(startupCtx, cfg, m.Store)
	defer pool.Close()

	redisClient := setupRedis(startupCtx, cfg, m.Redis)
	defer func() { _ = redisClient.Close() }()
	cancelStartup()

	tokens := setupTokens(cfg, clock)

	sessionStore := postgres.NewSessionStore(pool)
	loader := app.NewLoader(sessionStore, m.Store)
	persister := app.NewPersister(sessionStore, app.PersisterOptions{
		QueueSize: cfg.PersistQueueSize,
		Debouncer: redis.NewDebouncer(redisClient, cfg.ActivityDebounce),
		Metrics:   m.Store,
	})

	h := hub.New(hub.Options{
		Clock:                clock,
		Metrics:              m.Hub,
		Store:                persister,
		Loader:               loader,
		Scores:               redis.NewScoreboard(redisClient),
		PingInterval:         cfg.PingInterval,
		ExpirySweepInterval:  cfg.ExpirySweepInterval,
		ArchiveSweepInterval: cfg.ArchiveSweepInterval,
		Retention:            cfg.SessionRetention,
		ActivityLogCap:       cfg.ActivityLogCap,
		AlertDebounce:        cfg.AlertDebounce,
	})

	relay := redis.NewMetricRelay(redisClient, cfg.InstanceID, m.Redis)
	appSvc := app.NewService(h, loader, relay, clock, app.SessionDefaults{
		MaxParticipants: cfg.DefaultMaxParticipants,
		TTL:             cfg.DefaultSessionTTL,
	})

	lease := redis.NewLeaderLease(redisClient, cfg.InstanceID, janitorLeaseKey, 2*cfg.PurgeInterval)
	janitor := app.NewJanitor(lease, sessionStore, clock, cfg.PurgeInterval, cfg.ArchiveRetention, m.Store, m.Redis.LeaderStatus)
	bg := startBackground(relay, h, janitor)

	limits := websocket.NewConnectionLimits(clock, cfg.MaxWebSocketConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst)
	wsHandler := websocket.NewHandler(h, tokens, limits, m.WebSocket, clock, websocket.Config{
		SendBufferSize: cfg.SendBufferSize,
		PingInterval:   cfg.PingInterval,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		CheckOrigin:    websocket.NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment()),
	})

	healthChecks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		{Name: "hub", Check: func(ctx context.Context) error {
			_, err := h.Stats(ctx)
			return err
		}},
	}

	srv := httpserver.NewServer(
		httpserver.Config{Port: cfg.Port, APIRate: cfg.APIRate, APIBurst: cfg.APIBurst},
		appSvc, tokens, wsHandler.Handle, m.HTTP, m.Handler(), clock, healthChecks,
	)

	done := runGracefulShutdown(srv, h, bg, persister)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
