package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harborpay/eventflow/internal/config"
	"github.com/harborpay/eventflow/internal/dbconfig"
	"github.com/harborpay/eventflow/internal/eventlog"
	"github.com/harborpay/eventflow/internal/feed"
	"github.com/harborpay/eventflow/internal/ops"
	"github.com/harborpay/eventflow/internal/publisher"
	"github.com/harborpay/eventflow/internal/relay"
	"github.com/harborpay/eventflow/internal/webhook"
)

func main() {
	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// configure zerolog console output and level
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := config.Load(getEnv("EVENTFLOW_CONFIG", "eventflow.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// DB
	dbCfg := dbconfig.NewConfigFromEnv()
	dsn := dbCfg.DSN()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}
	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")

	// Publisher backend, selected once at startup.
	pub, err := publisher.New(cfg.Publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("create publisher")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Error().Err(err).Msg("close publisher")
		}
	}()
	log.Info().Str("backend", cfg.Publisher.Backend).Msg("publisher ready")

	var natsConn *nats.Conn
	if js, ok := pub.(*publisher.JetStream); ok {
		natsConn = js.Conn()
	}

	clock := clockwork.NewRealClock()

	// Event log and webhook stores.
	store := eventlog.NewStore(db)
	repo := webhook.NewRepository(db)

	// Webhook dispatch pipeline.
	sender := webhook.NewSender(cfg.Webhook.RequestTimeout.Std())
	engine := webhook.NewEngine(repo, repo, store, sender, webhook.RetryPolicy{
		MaxAttempts:      cfg.Webhook.MaxAttempts,
		BaseDelay:        cfg.Webhook.BaseDelay.Std(),
		MaxDelay:         cfg.Webhook.MaxDelay.Std(),
		BreakerThreshold: cfg.Webhook.BreakerThreshold,
	}, clock)
	scheduler := webhook.NewScheduler(repo, engine, webhook.SchedulerConfig{
		PollInterval:      cfg.Webhook.PollInterval.Std(),
		BatchSize:         cfg.Webhook.BatchSize,
		MaxInFlightPerSub: cfg.Webhook.MaxInFlightPerSub,
		ClaimLease:        cfg.Webhook.ClaimLease.Std(),
	}, clock)
	dispatcher := webhook.NewDispatcher(repo, repo, clock)
	dispatcher.SetWaker(scheduler)

	// Internal consumer feed.
	feedManager := feed.NewManager(feed.DefaultConfig())

	// Relay pump with LISTEN/NOTIFY fast path.
	worker := relay.NewWorker(store, pub, relay.Config{
		PollInterval: cfg.Relay.PollInterval.Std(),
		BatchSize:    cfg.Relay.BatchSize,
		MaxAttempts:  cfg.Relay.MaxAttempts,
		BaseDelay:    cfg.Relay.BaseDelay.Std(),
		MaxDelay:     cfg.Relay.MaxDelay.Std(),
	}, dispatcher, feedManager)

	listenerCfg := relay.DefaultListenerConfig()
	listenerCfg.DatabaseURL = dsn
	listenerCfg.NotifyChannel = cfg.Relay.NotifyChannel
	listener, err := relay.NewListener(worker, listenerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create relay listener")
	}

	// Ops surface.
	health := ops.NewHealthChecker(db, natsConn, worker, scheduler)
	opsServer := ops.NewServer(cfg.Ops.Addr, health, repo, repo, store, feedManager)

	// signal-aware context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start relay worker")
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start webhook scheduler")
	}
	go feedManager.Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		errCh <- listener.Start(ctx)
	}()
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("component exited unexpectedly")
	}

	// Drain: stop claiming new work, let in-flight attempts finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown")
	}
	if err := scheduler.Stop(); err != nil {
		log.Error().Err(err).Msg("stop webhook scheduler")
	}
	if err := worker.Stop(); err != nil {
		log.Error().Err(err).Msg("stop relay worker")
	}

	log.Info().Msg("graceful shutdown complete")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
