// Command gossnapd serves compact gossip snapshots: it ingests the
// validated gossip feed from an upstream full node into SQLite and answers
// GET /snapshot/{since} with the binary delta (or baseline) a light client
// needs to catch up.
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

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/gossnap"
	"github.com/hazyhaar/gossnap/dbopen"
	"github.com/hazyhaar/gossnap/httpapi"
	"github.com/hazyhaar/gossnap/ingest"
	"github.com/hazyhaar/gossnap/snapshot"
	"github.com/hazyhaar/gossnap/store"
)

func main() {
	cfg, err := gossnap.Load(env("CONFIG", ""))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	// Env overrides for the settings that change between deployments.
	cfg.Addr = env("ADDR", cfg.Addr)
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.FeedAddr = env("FEED_ADDR", cfg.FeedAddr)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	chain, err := cfg.ChainHash()
	if err != nil {
		logger.Error("bad chain config", "error", err)
		os.Exit(1)
	}
	if cfg.FeedAddr == "" {
		logger.Error("FEED_ADDR is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		logger.Error("apply schema", "error", err)
		os.Exit(1)
	}

	tracker := snapshot.NewTracker(st, cfg.Horizon)
	calc := snapshot.NewCalculator(st, tracker, chain)
	cache, err := snapshot.NewCache(st, calc, snapshot.CacheConfig{
		MaxEntries:     cfg.CacheEntries,
		BucketInterval: cfg.BucketInterval,
	})
	if err != nil {
		logger.Error("build cache", "error", err)
		os.Exit(1)
	}

	pipeline := ingest.New(st, ingest.DialFeed(cfg.FeedAddr), ingest.Options{
		OrphanRetention: cfg.OrphanRetention,
		OrphanLimit:     cfg.OrphanLimit,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.New(st, cache, pipeline.Stats(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gossnapd listening", "addr", cfg.Addr, "db", cfg.DBPath, "feed", cfg.FeedAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := pipeline.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("gossnapd exited", "error", err)
		os.Exit(1)
	}
	logger.Info("gossnapd stopped")
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
