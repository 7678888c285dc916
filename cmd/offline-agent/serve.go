package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/offline-agent/pkg/agent"
	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/Sternrassler/offline-agent/pkg/config"
	"github.com/Sternrassler/offline-agent/pkg/control"
	"github.com/Sternrassler/offline-agent/pkg/eviction"
	"github.com/Sternrassler/offline-agent/pkg/fetch"
	"github.com/Sternrassler/offline-agent/pkg/lifecycle"
)

const shutdownTimeout = 10 * time.Second

// startupRetryDelay spaces install attempts when no manifest is polled.
var startupRetryDelay = 30 * time.Second

func bindFlag(v *viper.Viper, flag *pflag.Flag, key string) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

// openStore opens the configured cache backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (cache.Store, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		return cache.NewBadgerStore(cache.BadgerOptions{Dir: cfg.Dir, InMemory: cfg.InMemory})

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
		}
		return cache.NewRedisStore(client, cfg.RedisPrefix), nil

	case config.BackendSQLite:
		if cfg.SQLitePath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		return cache.NewSQLiteStore(cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// run serves the agent until ctx is cancelled, then shuts down in order:
// HTTP server, control channel, background trims, store.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	log := logger.With().Str("component", "main").Logger()

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	fetcher := fetch.New(cfg.FetchConfig(), nil, logger)
	evict := eviction.NewManager(store, cfg.EvictionConfig(), logger)
	defer evict.Wait()

	var source lifecycle.ReleaseSource = lifecycle.StaticSource{Version: cfg.Version, Assets: cfg.StaticAssets}
	if cfg.Update.ManifestURL != "" {
		source = lifecycle.NewManifestSource(cfg.Update.ManifestURL, fetcher)
	}

	rules := cfg.Rules()
	reg := lifecycle.NewRegistration(lifecycle.RegistrationConfig{
		Worker: lifecycle.WorkerConfig{
			Origin:      cfg.Origin,
			OfflinePage: rules.OfflinePage,
			Store:       store,
			Fetcher:     fetcher,
			Expirer:     evict,
			MaxAge:      cfg.Eviction.MaxAge,
			Logger:      logger,
		},
		Source:      source,
		HoldWaiting: cfg.Update.HoldWaiting,
	})

	handler := control.NewHandler(store, reg, logger)
	a := agent.New(agent.Options{
		Origin:       origin,
		Store:        store,
		Fetcher:      fetcher,
		Trimmer:      evict,
		Registration: reg,
		Control:      handler,
		Rules:        rules,
		Logger:       logger,
	})

	// Serve the release of the previous run before the first request
	if w, err := reg.Restore(ctx); err == nil {
		log.Info().Str("version", w.Version()).Msg("Serving restored release")
	} else if !errors.Is(err, lifecycle.ErrNoWorker) {
		log.Warn().Err(err).Msg("Failed to restore release")
	}

	if cfg.Control.Enabled {
		bus, err := control.Connect(control.BusConfig{URL: cfg.Control.NATSURL, Port: cfg.Control.NATSPort})
		if err != nil {
			return err
		}
		defer func() {
			if err := bus.Close(shutdownTimeout); err != nil {
				log.Warn().Err(err).Msg("Failed to close NATS connection")
			}
		}()

		listener, err := control.Listen(bus.Conn(), cfg.Control.Subject, handler, logger)
		if err != nil {
			return err
		}
		defer listener.Close()
		log.Info().Str("nats", bus.ClientURL()).Str("subject", cfg.Control.Subject).Msg("Control channel listening")
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("origin", cfg.Origin).Msg("Starting offline agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go checkUpdates(ctx, reg, cfg.Update, log)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// checkUpdates installs the current release at startup. With a manifest
// configured it keeps polling; without one it retries until the release is
// in place.
func checkUpdates(ctx context.Context, reg *lifecycle.Registration, cfg config.UpdateConfig, log zerolog.Logger) {
	check := func() bool {
		if _, err := reg.CheckUpdate(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Release check failed")
			}
			return false
		}
		return true
	}

	poll := cfg.ManifestURL != "" && cfg.Interval > 0
	if check() && !poll {
		return
	}

	interval := cfg.Interval
	if !poll {
		interval = startupRetryDelay
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if check() && !poll {
				return
			}
		}
	}
}
