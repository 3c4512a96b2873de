package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Felipeflowers17/CA-doc/internal/api"
	"github.com/Felipeflowers17/CA-doc/internal/browser"
	"github.com/Felipeflowers17/CA-doc/internal/config"
	"github.com/Felipeflowers17/CA-doc/internal/database"
	"github.com/Felipeflowers17/CA-doc/internal/etl"
	"github.com/Felipeflowers17/CA-doc/internal/events"
	"github.com/Felipeflowers17/CA-doc/internal/jobs"
	"github.com/Felipeflowers17/CA-doc/internal/scoring"
	"github.com/Felipeflowers17/CA-doc/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ca-monitor stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConfig := cfg.DB()
	if cfg.Database.Migrate {
		if err := database.Migrate(dbConfig.DSN(), logger); err != nil {
			return err
		}
	}

	db, err := database.New(ctx, dbConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		return err
	}

	engine := scoring.NewEngine(cfg.Rules(), logger)
	tenders := database.NewTenderRepository(db, engine, logger)
	outbox := database.NewOutboxRepository(db)
	runs := database.NewRunRepository(db)
	publisher := events.NewPublisher(db, logger).WithStream(cfg.Redis.Stream)

	browserOpts := cfg.BrowserOptions()
	sessions := etl.SessionOpenerFunc(func(ctx context.Context) (etl.Session, error) {
		s, err := browser.Open(browserOpts, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	pipeline := etl.NewPipeline(sessions, tenders, engine, publisher, cfg.Pipeline(), logger)
	hub := ws.NewHub(logger)
	manager := jobs.NewManager(runs, pipeline, hub, logger)

	if err := manager.Recover(ctx); err != nil {
		return err
	}

	relay := database.NewRelay(outbox, redisClient, logger, cfg.Relay())
	handlers := api.NewHandlers(tenders, manager, relay, db, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Progress:       ws.NewHandler(hub, logger),
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      middleware.Logger(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return ignoreCanceled(relay.Start(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(hub.Run(gctx))
	})

	g.Go(func() error {
		manager.StartScheduler(gctx, cfg.ScheduleConfig())
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("run manager shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
