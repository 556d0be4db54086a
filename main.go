package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailmirror/internal/api"
	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/bulk"
	"github.com/Martian-dev/mailmirror/internal/config"
	"github.com/Martian-dev/mailmirror/internal/events"
	"github.com/Martian-dev/mailmirror/internal/explorer"
	"github.com/Martian-dev/mailmirror/internal/logging"
	natsjs "github.com/Martian-dev/mailmirror/internal/nats"
	"github.com/Martian-dev/mailmirror/internal/providers/gmail"
	"github.com/Martian-dev/mailmirror/internal/retry"
	"github.com/Martian-dev/mailmirror/internal/stats"
	"github.com/Martian-dev/mailmirror/internal/store"
	"github.com/Martian-dev/mailmirror/internal/subscriptions"
	mirrorsync "github.com/Martian-dev/mailmirror/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logger is not configured yet
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("failed to open mirror store")
	}
	defer st.Close()

	if cfg.Auth.JWKSURL == "" {
		log.Fatal().Msg("auth.jwks_url is required")
	}
	verifier, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize JWT verifier")
	}
	connector := auth.NewConnector(st, auth.NewBetterAuthClient(cfg.Auth.ServerURL), gmail.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
	}, log)

	backoff := retry.DefaultBackoffConfig()
	backoff.MaxRetries = cfg.Sync.MaxRetries
	backoff.InitialInterval = config.Duration(cfg.Sync.InitialBackoff, backoff.InitialInterval)
	backoff.MaxInterval = config.Duration(cfg.Sync.MaxBackoff, backoff.MaxInterval)

	emitEvents := cfg.NATS.URL != ""
	if emitEvents {
		publisher, err := natsjs.NewPublisher(cfg.NATS.URL, natsjs.StreamConfig{
			Name:        cfg.NATS.Stream,
			MaxAge:      config.Duration(cfg.NATS.MaxAge, 30*24*time.Hour),
			DedupWindow: config.Duration(cfg.NATS.DedupWindow, 10*time.Minute),
			Replicas:    cfg.NATS.Replicas,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal().Err(err).Str("stream", cfg.NATS.Stream).Msg("failed to ensure event stream")
		}
		dispatcher := events.NewDispatcher(st, publisher, config.Duration(cfg.NATS.Interval, 500*time.Millisecond), log)
		go dispatcher.Run(ctx)
		log.Info().Str("stream", cfg.NATS.Stream).Msg("event publishing enabled")
	}

	manager := mirrorsync.NewManager(st, connector.Provider, mirrorsync.Options{
		PageSize:         cfg.Sync.PageSize,
		FetchConcurrency: cfg.Sync.FetchConcurrency,
		RateWindow:       cfg.Sync.RateWindow,
		Backoff:          backoff,
		EmitEvents:       emitEvents,
	}, log)
	if err := manager.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to recover interrupted syncs")
	}

	engine := explorer.New(st, explorer.Limits{
		Browse:  cfg.Explorer.BrowseLimit,
		Cleanup: cfg.Explorer.CleanupLimit,
		Max:     cfg.Explorer.MaxLimit,
	})
	server := &api.Server{
		Verifier:      verifier,
		Accounts:      st,
		Sync:          manager,
		Explorer:      engine,
		Stats:         stats.New(st),
		Subscriptions: subscriptions.New(st),
		Bulk: bulk.NewExecutor(st, engine, connector.Provider, manager, bulk.Options{
			Concurrency: cfg.Bulk.Concurrency,
			MaxTargets:  cfg.Bulk.MaxTargets,
			Backoff:     backoff,
			EmitEvents:  emitEvents,
		}, log),
		Log: log,
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sync manager shutdown")
	}
}
