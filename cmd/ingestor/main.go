package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"news_sniper/internal/bot"
	"news_sniper/internal/config"
	"news_sniper/internal/fetcher"
	"news_sniper/internal/listener"
	"news_sniper/internal/model"
	"news_sniper/internal/protection"
	"news_sniper/internal/queue"
	"news_sniper/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateIngestor(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	log := config.NewLogger(cfg.LogLevel)

	schedule, err := protection.LoadSchedule(cfg.WarmupScheduleFile)
	if err != nil {
		log.Error("load warm-up schedule", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	raw := queue.New[model.RawEnvelope](rdb, queue.RawKey, log)
	opts := protection.Options{
		Schedule: schedule,
		Delay: protection.DelayPolicy{
			Min:              cfg.MessageDelayMin,
			Max:              cfg.MessageDelayMax,
			PauseProbability: cfg.PauseProbability,
			PauseMin:         cfg.PauseMin,
			PauseMax:         cfg.PauseMax,
		},
		Flood: protection.FloodPolicy{
			Initial:    time.Second,
			Multiplier: cfg.FloodMultiplier,
			Max:        cfg.FloodMaxBackoff,
			ResetAfter: cfg.FloodResetAfter,
		},
	}

	var wg sync.WaitGroup
	lanes := 0
	for _, token := range cfg.LaneTokens {
		api, err := bot.NewAPI(token)
		if err != nil {
			log.Error("connect lane account, skipping", "error", err)
			continue
		}
		name := fmt.Sprintf("lane-%d", api.Self.ID)
		stream := bot.NewStream(api, log)
		guard := protection.NewGuard(rdb, name, stream, opts, log)
		l := listener.New(guard, store, raw, 5*time.Minute, log)
		lane := listener.NewLane(stream, l, cfg.HealthInterval, cfg.RateRecheck, log)

		lanes++
		wg.Go(func() {
			if err := lane.Run(ctx); err != nil {
				log.Error("lane exited", "lane", name, "error", err)
			}
		})
	}
	if lanes == 0 {
		log.Warn("no lane could connect, only RSS feeds will be ingested")
	}

	poller := fetcher.NewPoller(store, fetcher.New(&http.Client{Timeout: 30 * time.Second}), raw, log)
	wg.Go(func() { poller.Run(ctx) })

	log.Info("ingestor started", "lanes", lanes)
	wg.Wait()
	log.Info("ingestor stopped")
}

func openStore(path string) (*storage.SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return storage.NewSQLite(path)
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
