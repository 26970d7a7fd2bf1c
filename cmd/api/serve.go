package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cogspace/api/internal/app"
	"cogspace/api/internal/artifact"
	"cogspace/api/internal/cache"
	"cogspace/api/internal/events"
	"cogspace/api/internal/gitrepo"
	"cogspace/api/internal/logging"
	"cogspace/api/internal/store"
	"cogspace/api/internal/tracing"
	"cogspace/api/internal/transform"
	"cogspace/api/internal/versioning"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8787)")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)
	ctx := cmd.Context()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "cogspace-api",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if cfg.Database.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.URL), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, dialect, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	dataStore := store.NewSQLStore(db, dialect, store.RetryPolicy{
		Attempts: cfg.Store.RetryAttempts,
		Backoff:  cfg.Store.RetryBackoff,
	})

	sinks := []events.Sink{events.LogSink{}}
	deps := app.Deps{Store: dataStore}
	var versionCache versioning.Cache
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		logging.Info(ctx, "using redis for version cache and event stream", "stream", cfg.Redis.Stream)
		client, err := cache.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()
		vc := cache.NewVersionCache(client, cfg.Redis.CacheTTL)
		versionCache = vc
		deps.Cache = vc
		sinks = append(sinks, events.NewRedisStream(client, cfg.Redis.Stream))
	}
	if dir := strings.TrimSpace(cfg.Git.MirrorDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mirror dir: %w", err)
		}
		mirror := gitrepo.New(dir)
		deps.Mirror = mirror
		sinks = append(sinks, mirror)
	}

	bus := events.NewBus(sinks...)
	deps.Artifacts = artifact.NewService(dataStore, bus)
	deps.Versions = versioning.NewManager(dataStore, versionCache, bus)
	deps.Transforms = transform.NewEngine(dataStore, deps.Artifacts, deps.Versions, bus)

	httpServer := app.NewHTTPServer(app.New(deps), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info(ctx, "cogspace API listening", "addr", cfg.Addr, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "shutdown error", err)
	}
	return nil
}
