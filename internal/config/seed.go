package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"news_sniper/internal/model"
)

// Seed is the YAML bootstrap data for sources, feeds, report templates and
// the blacklist:
//
//	sources:
//	  - chat_id: -1001234567890
//	    name: Whale Alerts
//	    tag: WHALE
//	    priority: 2
//	feeds:
//	  - name: Crypto Wire
//	    url: https://example.com/rss
//	    interval_minutes: 15
//	templates:
//	  - code: daily_whales
//	    name: Daily whale report
//	    required_tags: [WHALE]
//	    interval_minutes: 1440
//	blacklist:
//	  - chat_id: -1009876543210
//	    reason: spam
type Seed struct {
	Sources   []SeedSource   `yaml:"sources"`
	Feeds     []SeedFeed     `yaml:"feeds"`
	Templates []SeedTemplate `yaml:"templates"`
	Blacklist []SeedBlocked  `yaml:"blacklist"`
}

type SeedSource struct {
	ChatID   int64  `yaml:"chat_id"`
	Name     string `yaml:"name"`
	Tag      string `yaml:"tag"`
	Priority int    `yaml:"priority"`
}

type SeedFeed struct {
	Name            string `yaml:"name"`
	URL             string `yaml:"url"`
	Tag             string `yaml:"tag"`
	Priority        int    `yaml:"priority"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	Disabled        bool   `yaml:"disabled"`
}

type SeedTemplate struct {
	Code            string   `yaml:"code"`
	Name            string   `yaml:"name"`
	RequiredTags    []string `yaml:"required_tags"`
	IntervalMinutes int      `yaml:"interval_minutes"`
}

type SeedBlocked struct {
	ChatID int64  `yaml:"chat_id"`
	Reason string `yaml:"reason"`
}

const defaultFeedInterval = 15

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied seed path
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates YAML seed data.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate reports the first invalid entry.
func (s *Seed) Validate() error {
	for i, src := range s.Sources {
		if src.ChatID == 0 {
			return fmt.Errorf("sources[%d]: chat_id is required", i)
		}
	}
	urls := make(map[string]bool, len(s.Feeds))
	for i, f := range s.Feeds {
		if f.URL == "" {
			return fmt.Errorf("feeds[%d]: url is required", i)
		}
		if urls[f.URL] {
			return fmt.Errorf("feeds[%d]: duplicate url %q", i, f.URL)
		}
		urls[f.URL] = true
		if f.IntervalMinutes < 0 {
			return fmt.Errorf("feeds[%d]: interval_minutes must not be negative", i)
		}
	}
	for i, t := range s.Templates {
		if t.Code == "" {
			return fmt.Errorf("templates[%d]: code is required", i)
		}
		if t.IntervalMinutes <= 0 {
			return fmt.Errorf("templates[%d]: interval_minutes must be positive", i)
		}
	}
	for i, b := range s.Blacklist {
		if b.ChatID == 0 {
			return fmt.Errorf("blacklist[%d]: chat_id is required", i)
		}
	}
	return nil
}

// SeedStore is the persistence Apply writes to.
type SeedStore interface {
	UpsertSourceConfig(ctx context.Context, c *model.SourceConfig) error
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	CreateFeed(ctx context.Context, feed *model.Feed) error
	UpsertTemplate(ctx context.Context, t *model.ReportTemplate) error
	BlacklistSource(ctx context.Context, chatID int64, reason string) error
}

// SeedResult counts what Apply wrote.
type SeedResult struct {
	Sources      int
	FeedsCreated int
	FeedsSkipped int
	Templates    int
	Blacklisted  int
}

// Apply writes the seed to store. Sources and templates are upserted; feeds
// whose URL is already registered are left untouched.
func (s *Seed) Apply(ctx context.Context, store SeedStore) (SeedResult, error) {
	var res SeedResult
	for _, src := range s.Sources {
		c := &model.SourceConfig{ChatID: src.ChatID, Name: src.Name, Tag: src.Tag, Priority: src.Priority}
		if err := store.UpsertSourceConfig(ctx, c); err != nil {
			return res, fmt.Errorf("seed source %d: %w", src.ChatID, err)
		}
		res.Sources++
	}

	existing, err := store.ListFeeds(ctx)
	if err != nil {
		return res, fmt.Errorf("list feeds: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, f := range existing {
		known[f.URL] = true
	}
	for _, f := range s.Feeds {
		if known[f.URL] {
			res.FeedsSkipped++
			continue
		}
		interval := f.IntervalMinutes
		if interval == 0 {
			interval = defaultFeedInterval
		}
		name := f.Name
		if name == "" {
			name = f.URL
		}
		feed := &model.Feed{
			Name:            name,
			URL:             f.URL,
			Tag:             f.Tag,
			Priority:        f.Priority,
			IntervalMinutes: interval,
			IsActive:        !f.Disabled,
		}
		if err := store.CreateFeed(ctx, feed); err != nil {
			return res, fmt.Errorf("seed feed %s: %w", f.URL, err)
		}
		res.FeedsCreated++
	}

	for _, t := range s.Templates {
		tpl := &model.ReportTemplate{
			Code:            t.Code,
			Name:            t.Name,
			RequiredTags:    t.RequiredTags,
			IntervalMinutes: t.IntervalMinutes,
		}
		if err := store.UpsertTemplate(ctx, tpl); err != nil {
			return res, fmt.Errorf("seed template %s: %w", t.Code, err)
		}
		res.Templates++
	}

	for _, b := range s.Blacklist {
		if err := store.BlacklistSource(ctx, b.ChatID, b.Reason); err != nil {
			return res, fmt.Errorf("seed blacklist %d: %w", b.ChatID, err)
		}
		res.Blacklisted++
	}
	return res, nil
}
