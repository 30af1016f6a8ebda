package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/choonkeat/codecollab/internal/assistant"
	"github.com/choonkeat/codecollab/internal/config"
	"github.com/choonkeat/codecollab/internal/database/migrate"
	"github.com/choonkeat/codecollab/internal/document"
	"github.com/choonkeat/codecollab/internal/document/postgres"
	"github.com/choonkeat/codecollab/internal/execution"
	"github.com/choonkeat/codecollab/internal/hub"
	"github.com/choonkeat/codecollab/internal/logging"
	"github.com/choonkeat/codecollab/internal/roster"
	"github.com/choonkeat/codecollab/internal/server"
	"github.com/choonkeat/codecollab/internal/terminal"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serve(parent context.Context) error {
	cfg, err := a.load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger.Named("store"))
	if err != nil {
		return err
	}
	defer closeStore()

	tracker := roster.New()
	executor := execution.NewPistonClient(nil, cfg.Execution.URL, cfg.Execution.Timeout)
	generator := assistant.NewClient(nil, assistant.Config{
		BaseURL:     cfg.Assistant.URL,
		APIKey:      cfg.Assistant.APIKey,
		Model:       cfg.Assistant.Model,
		Temperature: cfg.Assistant.Temperature,
		MaxTokens:   cfg.Assistant.MaxTokens,
		Timeout:     cfg.Assistant.Timeout,
	})
	if cfg.Assistant.APIKey == "" {
		logger.Warn("assistant.api_key is empty; generate and review requests will fail")
	}

	h := hub.New(hub.Config{
		SendBuffer:       cfg.WS.SendBuffer,
		TerminalBuffer:   cfg.WS.TerminalBuffer,
		ReadLimit:        cfg.WS.ReadLimit,
		ExecTimeout:      cfg.Execution.Timeout,
		AssistantTimeout: cfg.Assistant.Timeout,
		AllowedOrigins:   cfg.WS.AllowedOrigins,
	}, tracker, store, executor, generator, logger.Named("hub"))

	var (
		mux   *terminal.Multiplexer
		terms server.TerminalInfo
	)
	if cfg.Terminal.Enabled {
		mux = terminal.New(terminal.Config{
			Shell:        cfg.Terminal.Shell,
			Dir:          cfg.Terminal.Dir,
			Cols:         uint16(cfg.Terminal.Cols),
			Rows:         uint16(cfg.Terminal.Rows),
			IdleGrace:    cfg.Terminal.IdleGrace,
			ReapInterval: cfg.Terminal.ReapInterval,
		}, h, logger.Named("terminal"))
		h.SetTerminals(mux)
		terms = mux
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(h, tracker, terms, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("terminal", cfg.Terminal.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if mux != nil {
		g.Go(func() error { return mux.RunReaper(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Websocket connections are hijacked, so the hub closes them itself.
		h.Shutdown()
		if mux != nil {
			mux.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore builds the configured document store and starts its expiry
// sweep. The returned func stops the sweep and releases the backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (document.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.Run(db, logger); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		store := postgres.New(db, postgres.Config{TTL: cfg.Store.TTL}, logger)
		store.StartCleanupRoutine(cfg.Store.CleanupInterval)
		return store, func() {
			_ = store.Close()
			_ = db.Close()
		}, nil

	default:
		store := document.NewMemoryStore(cfg.Store.TTL)
		store.StartCleanupRoutine(cfg.Store.CleanupInterval, logger)
		return store, func() { _ = store.Close() }, nil
	}
}
