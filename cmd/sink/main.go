package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/reactsink/internal/api"
	"github.com/gyaneshwarpardhi/reactsink/internal/config"
	"github.com/gyaneshwarpardhi/reactsink/internal/ingest"
	"github.com/gyaneshwarpardhi/reactsink/internal/plugin"
	"github.com/gyaneshwarpardhi/reactsink/internal/plugin/ec2"
	"github.com/gyaneshwarpardhi/reactsink/internal/plugin/webhook"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
	"github.com/gyaneshwarpardhi/reactsink/internal/repo"
	"github.com/gyaneshwarpardhi/reactsink/internal/sink"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/sink.yaml", "Path to sink YAML config")
	seedPath := flag.String("seed", "", "Optional YAML fixture of reaction records to load at startup")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// ── Environment overrides ────────────────────────────────────────────────
	_ = godotenv.Load()
	if v := os.Getenv("SINK_ADDR"); v != "" {
		*addr = v
	}
	if v := os.Getenv("SINK_CONFIG"); v != "" {
		*cfgPath = v
	}

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	// ── Repository ───────────────────────────────────────────────────────────
	dbPath := cfg.Repository.DBPath
	if v := os.Getenv("SINK_DB_PATH"); v != "" {
		dbPath = v
	}
	store, err := repo.OpenStore(dbPath)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	cache, err := repo.OpenCache(repo.CacheConfig{
		Path:     cfg.Repository.CachePath,
		InMemory: cfg.Repository.CacheInMemory,
		TTL:      time.Duration(cfg.Repository.CacheTTLS) * time.Second,
	})
	if err != nil {
		slog.Error("failed to open cache", "err", err)
		os.Exit(1)
	}
	defer cache.Close()

	rc := repo.NewClient(store, cache, repo.RetryConfig{
		MaxAttempts:    cfg.Repository.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Repository.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Repository.Retry.MaxBackoffMs) * time.Millisecond,
		JitterFactor:   0.2,
	})

	if *seedPath != "" {
		if err := seed(store, *seedPath); err != nil {
			slog.Error("failed to seed reactions", "err", err)
			os.Exit(1)
		}
	}

	// ── Plugin registry ──────────────────────────────────────────────────────
	reg := plugin.NewRegistry()
	handlers := []plugin.Handler{
		ec2.New(ec2.Config{
			Endpoint: cfg.Plugins.EC2.Endpoint,
			Token:    cfg.Plugins.EC2.Token,
			Timeout:  time.Duration(cfg.Plugins.EC2.TimeoutMs) * time.Millisecond,
		}),
		webhook.New(time.Duration(cfg.Plugins.Webhook.TimeoutMs) * time.Millisecond),
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			slog.Error("plugin registration failed", "err", err)
			os.Exit(1)
		}
	}
	slog.Info("plugin registry built", "rtypes", reg.Types())

	// ── Coordinator ──────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := sink.New(ctx, rc, reg, loader)

	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}
	loader.OnChange(func(newCfg *config.Config) {
		slog.Info("config hot-reloaded",
			"disabled_rtypes", newCfg.Sink.DisabledRTypes,
			"invoke_timeout_ms", newCfg.Sink.InvokeTimeoutMs)
	})

	// ── Cache GC ─────────────────────────────────────────────────────────────
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cache.RunGC()
			case <-ctx.Done():
				return
			}
		}
	}()

	// ── HTTP server ──────────────────────────────────────────────────────────
	listener := ingest.NewListener(coord, loader)
	handler := api.New(coord, listener, reg, rc)
	srv := &http.Server{
		Addr:        *addr,
		Handler:     handler,
		ReadTimeout: 0, // ingest connections are long-lived
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("sink listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	// Shutdown does not reach hijacked WebSocket connections: sever the
	// ingest sockets and wait for their read loops before draining, so no
	// submission races the pool close.
	listener.Close()
	coord.Shutdown() // drain in-flight dispatch work
	cancel()
	slog.Info("goodbye")
}

// seed loads reaction records from a YAML fixture. Production records are
// written by the external web layer; this path exists for dev environments.
func seed(store *repo.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var recs []*reaction.Record
	if err := yaml.Unmarshal(raw, &recs); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := store.Put(context.Background(), rec); err != nil {
			return err
		}
	}
	slog.Info("seeded reactions", "count", len(recs))
	return nil
}
