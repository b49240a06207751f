// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	LaneTokens   []string
	BotToken     string
	DatabasePath string
	RedisURL     string
	LogLevel     string
	MetricsAddr  string

	WarmupScheduleFile string
	MessageDelayMin    time.Duration
	MessageDelayMax    time.Duration
	PauseProbability   float64
	PauseMin           time.Duration
	PauseMax           time.Duration
	FloodMultiplier    float64
	FloodMaxBackoff    time.Duration
	FloodResetAfter    time.Duration
	HealthInterval     time.Duration
	RateRecheck        time.Duration

	MinRelevance    float64
	MinQuality      float64
	FinalThreshold  float64
	ImportantWeight float64
	SummaryMaxChars int

	DedupRetention    time.Duration
	ArchiveInterval   time.Duration
	FreeDailyQuota    int
	QuietHourLayout   string
	NotifyOnDuplicate bool

	AIGatewayURL string
	AIGatewayKey string
	AITimeout    time.Duration

	ReportMinMessages int
	BufferRetention   time.Duration
	SendRate          float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		LaneTokens:   p.list("TELEGRAM_BOT_TOKENS"),
		BotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabasePath: p.str("DATABASE_PATH", "./data/sniper.db"),
		RedisURL:     p.str("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:     p.str("LOG_LEVEL", "info"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),

		WarmupScheduleFile: os.Getenv("WARMUP_SCHEDULE_FILE"),
		MessageDelayMin:    p.duration("MESSAGE_DELAY_MIN", 5*time.Second),
		MessageDelayMax:    p.duration("MESSAGE_DELAY_MAX", 15*time.Second),
		PauseProbability:   p.float("PAUSE_PROBABILITY", 0.1),
		PauseMin:           p.duration("PAUSE_MIN", 2*time.Minute),
		PauseMax:           p.duration("PAUSE_MAX", 5*time.Minute),
		FloodMultiplier:    p.float("FLOOD_BACKOFF_MULTIPLIER", 1.5),
		FloodMaxBackoff:    p.duration("FLOOD_MAX_BACKOFF", 10*time.Minute),
		FloodResetAfter:    p.duration("FLOOD_RESET_AFTER", 6*time.Hour),
		HealthInterval:     p.duration("HEALTH_CHECK_INTERVAL", 6*time.Hour),
		RateRecheck:        p.duration("RATE_RECHECK_INTERVAL", time.Minute),

		MinRelevance:    p.float("LAYER1_MIN_RELEVANCE", 15),
		MinQuality:      p.float("LAYER2_MIN_QUALITY", 25),
		FinalThreshold:  p.float("FINAL_WEIGHT_THRESHOLD", 50),
		ImportantWeight: p.float("IMPORTANT_WEIGHT", 70),
		SummaryMaxChars: p.int("SUMMARY_MAX_CHARS", 500),

		DedupRetention:    p.duration("DEDUP_RETENTION", 7*24*time.Hour),
		ArchiveInterval:   p.duration("ARCHIVE_INTERVAL", time.Hour),
		FreeDailyQuota:    p.int("FREE_DAILY_QUOTA", 10),
		QuietHourLayout:   p.str("QUIET_HOUR_LAYOUT", "15:04"),
		NotifyOnDuplicate: p.bool("NOTIFY_ON_DUPLICATE", true),

		AIGatewayURL: os.Getenv("AI_GATEWAY_URL"),
		AIGatewayKey: os.Getenv("AI_GATEWAY_KEY"),
		AITimeout:    p.duration("AI_TIMEOUT", 20*time.Second),

		ReportMinMessages: p.int("REPORT_MIN_MESSAGES", 3),
		BufferRetention:   p.duration("BUFFER_RETENTION", 24*time.Hour),
		SendRate:          p.float("SEND_RATE", 20),
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.MessageDelayMin > cfg.MessageDelayMax {
		return nil, fmt.Errorf("MESSAGE_DELAY_MIN %s exceeds MESSAGE_DELAY_MAX %s", cfg.MessageDelayMin, cfg.MessageDelayMax)
	}
	if cfg.PauseMin > cfg.PauseMax {
		return nil, fmt.Errorf("PAUSE_MIN %s exceeds PAUSE_MAX %s", cfg.PauseMin, cfg.PauseMax)
	}
	if cfg.PauseProbability < 0 || cfg.PauseProbability > 1 {
		return nil, fmt.Errorf("PAUSE_PROBABILITY must be within [0,1], got %v", cfg.PauseProbability)
	}
	if cfg.FloodMultiplier < 1 {
		return nil, fmt.Errorf("FLOOD_BACKOFF_MULTIPLIER must be >= 1, got %v", cfg.FloodMultiplier)
	}
	if _, err := time.Parse(cfg.QuietHourLayout, time.Date(0, 1, 1, 23, 0, 0, 0, time.UTC).Format(cfg.QuietHourLayout)); err != nil {
		return nil, fmt.Errorf("invalid QUIET_HOUR_LAYOUT %q: %w", cfg.QuietHourLayout, err)
	}
	return cfg, nil
}

// ValidateIngestor checks the settings the ingestor cannot start without.
func (c *Config) ValidateIngestor() error {
	if len(c.LaneTokens) == 0 {
		return fmt.Errorf("TELEGRAM_BOT_TOKENS is required")
	}
	return nil
}

// ValidateWorker checks the settings the worker cannot start without.
func (c *Config) ValidateWorker() error {
	if c.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

// parser accumulates the first parse error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid duration %q in %s: %w", raw, key, err)
		return def
	}
	if d < 0 {
		p.err = fmt.Errorf("%s must not be negative", key)
		return def
	}
	return d
}

func (p *parser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid number %q in %s: %w", raw, key, err)
		return def
	}
	return f
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid integer %q in %s: %w", raw, key, err)
		return def
	}
	if n < 0 {
		p.err = fmt.Errorf("%s must not be negative", key)
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid boolean %q in %s: %w", raw, key, err)
		return def
	}
	return b
}
