package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/astro-consultation-queue/internal/api"
	"github.com/hackgods/astro-consultation-queue/internal/config"
	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/db"
	"github.com/hackgods/astro-consultation-queue/internal/events"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/matching"
	redisclient "github.com/hackgods/astro-consultation-queue/internal/redis"
	"github.com/hackgods/astro-consultation-queue/internal/routing"
	"github.com/hackgods/astro-consultation-queue/internal/session"
	"github.com/hackgods/astro-consultation-queue/internal/supervisor"
	"github.com/hackgods/astro-consultation-queue/internal/websocket"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("config load error")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	logging.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreBackend).
		Str("lock", cfg.LockBackend).
		Str("version", version).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo   consultation.Repository
		pgPool *pgxpool.Pool
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			logging.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pgPool.Close()

		if err := db.Migrate(rootCtx, pgPool); err != nil {
			logging.Fatal().Err(err).Msg("migration error")
		}
		repo = consultation.NewPgRepository(pgPool)
	default:
		logging.Warn().Msg("using in-memory store, state is lost on restart")
		repo = consultation.NewMemoryRepository()
	}

	var (
		locker redisclient.Locker
		rdb    *redis.Client
	)
	switch cfg.LockBackend {
	case config.LockRedis:
		rdb, err = redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logging.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logging.Warn().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisAstrologerLocker(rdb, cfg.LockTTL)
	default:
		locker = redisclient.NewLocalLocker()
	}

	hub := websocket.NewHub()
	router := routing.NewEngine(repo)
	matcher := matching.NewEngine(repo, matching.ScoreMode(cfg.MatchScoreMode))

	svc := consultation.NewService(repo, locker, cfg)
	svc.SetRouter(router)

	registry := session.NewRegistry(repo, svc, hub, session.Options{
		WarningLead: cfg.SessionWarningLead,
		RearmDelay:  cfg.RearmDelay,
	})
	defer registry.Close()
	svc.SetTimers(registry)

	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL)
		if err != nil {
			logging.Fatal().Err(err).Msg("nats connection error")
		}
		defer nc.Drain()

		source := "api-server-" + uuid.NewString()
		svc.SetEvents(events.NewNATSPublisher(nc, cfg.NATSSubjectPrefix, source))
		if err := followLifecycle(rootCtx, nc, cfg.NATSSubjectPrefix, source, registry); err != nil {
			logging.Fatal().Err(err).Msg("nats subscribe error")
		}
	}

	if _, err := registry.Initialize(rootCtx); err != nil {
		logging.Error().Err(err).Msg("session timer initialization failed, relying on sweep")
	}

	tree := supervisor.NewTree("api-server", logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	tree.AddWorker(supervisor.NewRunnerService("websocket-hub", hub))
	if cfg.RunWorkers {
		tree.AddWorker(supervisor.NewTickerService("session-sweep", cfg.WorkerInterval, 20*time.Second, func(ctx context.Context) error {
			if _, err := svc.SweepExpired(ctx); err != nil {
				return err
			}
			_, err := svc.ReconcileQueues(ctx)
			return err
		}))
		tree.AddWorker(supervisor.NewTickerService("workload-rebalance", cfg.RebalanceInterval, 20*time.Second, func(ctx context.Context) error {
			_, err := matcher.RebalanceWorkload(ctx)
			return err
		}))
	}

	server := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Consultations:     svc,
			Routing:           router,
			Matching:          matcher,
			Hub:               hub,
			PgPool:            pgPool,
			Redis:             rdb,
			Env:               cfg.Env,
			Version:           version,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tree.AddAPI(supervisor.NewHTTPServerService(server, cfg.ShutdownTimeout))

	if err := tree.Serve(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree error")
	}
	logging.Info().Msg("api-server stopped")
}

// followLifecycle keeps local timers in step with consultations started or
// closed by other processes, such as a promotion made by session-worker.
func followLifecycle(ctx context.Context, nc *nats.Conn, prefix, source string, registry *session.Registry) error {
	_, err := events.Subscribe(nc, prefix, source, func(ev events.LifecycleEvent) {
		switch ev.Type {
		case consultation.EventStarted, consultation.EventPromoted, consultation.EventExtended:
			registry.Arm(ctx, ev.ConsultationID)
		case consultation.EventCompleted:
			registry.Cancel(ev.ConsultationID)
		}
	})
	return err
}
