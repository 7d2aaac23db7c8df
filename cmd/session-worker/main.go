package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/astro-consultation-queue/internal/config"
	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/db"
	"github.com/hackgods/astro-consultation-queue/internal/events"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/matching"
	redisclient "github.com/hackgods/astro-consultation-queue/internal/redis"
	"github.com/hackgods/astro-consultation-queue/internal/supervisor"
)

// session-worker closes overdue sessions, promotes stalled queues and
// rebalances workload for deployments that run api-server with
// RUN_WORKERS=false.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("config load error")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if cfg.StoreBackend != config.StorePostgres {
		logging.Fatal().Str("store", cfg.StoreBackend).Msg("session-worker needs the postgres store")
	}

	logging.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("rebalance_interval", cfg.RebalanceInterval).
		Msg("session-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logging.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	var locker redisclient.Locker
	if cfg.LockBackend == config.LockRedis {
		rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logging.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logging.Warn().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisAstrologerLocker(rdb, cfg.LockTTL)
	} else {
		// the astrologer row lock in postgres still serializes promotions
		locker = redisclient.NewLocalLocker()
	}

	repo := consultation.NewPgRepository(pgPool)
	svc := consultation.NewService(repo, locker, cfg)
	matcher := matching.NewEngine(repo, matching.ScoreMode(cfg.MatchScoreMode))

	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL)
		if err != nil {
			logging.Fatal().Err(err).Msg("nats connection error")
		}
		defer nc.Drain()
		svc.SetEvents(events.NewNATSPublisher(nc, cfg.NATSSubjectPrefix, "session-worker-"+uuid.NewString()))
	}

	tree := supervisor.NewTree("session-worker", logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	tree.AddWorker(supervisor.NewTickerService("session-sweep", cfg.WorkerInterval, 20*time.Second, func(ctx context.Context) error {
		closed, err := svc.SweepExpired(ctx)
		if err != nil {
			return err
		}
		promoted, err := svc.ReconcileQueues(ctx)
		if err != nil {
			return err
		}
		if closed > 0 || promoted > 0 {
			logging.Info().Int("closed", closed).Int("promoted", promoted).Msg("sweep run complete")
		}
		return nil
	}))
	tree.AddWorker(supervisor.NewTickerService("workload-rebalance", cfg.RebalanceInterval, 20*time.Second, func(ctx context.Context) error {
		n, err := matcher.RebalanceWorkload(ctx)
		if err == nil && n > 0 {
			logging.Info().Int("updated", n).Msg("workload rebalanced")
		}
		return err
	}))

	if err := tree.Serve(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree error")
	}
	logging.Info().Msg("session-worker stopped")
}
