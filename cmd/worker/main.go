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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"news_sniper/internal/aiclient"
	"news_sniper/internal/bot"
	"news_sniper/internal/config"
	"news_sniper/internal/dedup"
	"news_sniper/internal/filter"
	"news_sniper/internal/matcher"
	"news_sniper/internal/model"
	"news_sniper/internal/pipeline"
	"news_sniper/internal/queue"
	"news_sniper/internal/scheduler"
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
	if err := cfg.ValidateWorker(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	log := config.NewLogger(cfg.LogLevel)

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

	api, err := bot.NewAPI(cfg.BotToken)
	if err != nil {
		log.Error("connect bot", "error", err)
		os.Exit(1)
	}

	thresholds := filter.Thresholds{
		MinRelevance: cfg.MinRelevance,
		MinQuality:   cfg.MinQuality,
		FinalWeight:  cfg.FinalThreshold,
	}
	var (
		scorer   filter.Scorer
		reporter scheduler.Reporter
	)
	if cfg.AIGatewayURL != "" {
		ai := aiclient.New(&http.Client{}, cfg.AIGatewayURL, cfg.AIGatewayKey, cfg.AITimeout)
		scorer = filter.NewGatewayScorer(ai, filter.FallbackScorer{Threshold: cfg.FinalThreshold})
		reporter = ai
	} else {
		log.Warn("AI_GATEWAY_URL not set, using fallback scoring and plain digests")
	}
	engine := filter.NewEngine(scorer, thresholds, log)

	raw := queue.New[model.RawEnvelope](rdb, queue.RawKey, log)
	notifs := queue.New[model.Notification](rdb, queue.NotificationKey, log)
	buffer := scheduler.NewBuffer(rdb, cfg.BufferRetention)

	m, err := matcher.New(store, store, rdb, notifs, matcher.Options{
		FreeDailyQuota: cfg.FreeDailyQuota,
		QuietLayout:    cfg.QuietHourLayout,
	}, log)
	if err != nil {
		log.Error("create matcher", "error", err)
		os.Exit(1)
	}

	p, err := pipeline.New(raw, engine, store, m, buffer, pipeline.Options{
		Policy:            dedup.Policy{ImportantWeight: cfg.ImportantWeight, SummaryMaxChars: cfg.SummaryMaxChars},
		NotifyOnDuplicate: cfg.NotifyOnDuplicate,
	}, log)
	if err != nil {
		log.Error("create pipeline", "error", err)
		os.Exit(1)
	}

	archiver := dedup.NewArchiver(store, cfg.DedupRetention, cfg.ArchiveInterval, log)
	sched := scheduler.New(store, buffer, reporter, notifs, cfg.ReportMinMessages, log)
	dispatcher := bot.NewDispatcher(api, notifs, cfg.SendRate, log)

	var wg sync.WaitGroup
	wg.Go(func() { p.Run(ctx) })
	wg.Go(func() { archiver.Run(ctx) })
	wg.Go(func() { sched.Run(ctx) })
	wg.Go(func() { dispatcher.Run(ctx) })

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/verdicts", p.VerdictsHandler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		wg.Go(func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		})
		wg.Go(func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("worker started", "ai_gateway", cfg.AIGatewayURL != "", "metrics_addr", cfg.MetricsAddr)
	wg.Wait()
	log.Info("worker stopped")
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
