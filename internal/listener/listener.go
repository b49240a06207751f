// Package listener bridges a lane's inbound stream into the raw queue. It only
// performs admission control and enrichment; filtering happens downstream.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"news_sniper/internal/model"
	"news_sniper/internal/protection"
	"news_sniper/internal/storage"
)

// ErrDeferred is returned by Handle when the lane's hourly limit is reached.
// The event should be offered again later.
var ErrDeferred = errors.New("message rate limit reached, deferred")

// SourceStore provides per-source enrichment and the blacklist.
type SourceStore interface {
	GetSourceConfig(ctx context.Context, chatID int64) (*model.SourceConfig, error)
	IsBlacklisted(ctx context.Context, chatID int64) (bool, error)
}

// Publisher hands envelopes to the raw queue.
type Publisher interface {
	Push(ctx context.Context, env model.RawEnvelope) error
}

type sourceInfo struct {
	name        string
	tag         string
	priority    int
	blacklisted bool
}

// Listener admits stream events of one lane and publishes them as envelopes.
type Listener struct {
	guard   *protection.Guard
	sources SourceStore
	cache   *cache.Cache
	pub     Publisher
	log     *slog.Logger
}

// New creates a Listener. Source lookups are cached for cacheTTL.
func New(guard *protection.Guard, sources SourceStore, pub Publisher, cacheTTL time.Duration, log *slog.Logger) *Listener {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Listener{
		guard:   guard,
		sources: sources,
		cache:   cache.New(cacheTTL, 2*cacheTTL),
		pub:     pub,
		log:     log.With("lane", guard.Lane),
	}
}

// Handle admits one event. Self-originated, private, empty and blacklisted
// events are dropped silently. When the rate limit is reached it returns
// ErrDeferred without publishing. An event that fails after admission does
// not use up a slot.
func (l *Listener) Handle(ctx context.Context, ev model.StreamEvent) error {
	if ev.IsSelf || ev.IsPrivate || strings.TrimSpace(ev.Text) == "" {
		return nil
	}

	info, err := l.source(ctx, ev.ChatID)
	if err != nil {
		return err
	}
	if info.blacklisted {
		l.log.Debug("source blacklisted", "source_id", ev.ChatID)
		return nil
	}

	ok, err := l.guard.Limiter.Admit(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeferred
	}

	if err := l.guard.Sleep(ctx, l.guard.Limiter.MessageDelay()); err != nil {
		l.release(ctx, ev)
		return err
	}

	env := model.RawEnvelope{
		Origin:      model.OriginTelegram,
		SourceID:    ev.ChatID,
		SourceTitle: ev.ChatTitle,
		MessageID:   ev.ID,
		Text:        ev.Text,
		Timestamp:   ev.Date.UTC(),
		SenderID:    ev.SenderID,
		Permalink:   Permalink(ev.ChatID, ev.ID),
		MediaRef:    ev.PhotoRef,
		Tags:        []string{info.tag},
		Priority:    info.priority,
	}
	if env.SourceTitle == "" {
		env.SourceTitle = info.name
	}
	if err := l.pub.Push(ctx, env); err != nil {
		l.release(ctx, ev)
		return err
	}

	l.log.Debug("message queued", "source_id", ev.ChatID, "message_id", ev.ID, "tag", info.tag)
	return nil
}

// release gives the admitted slot back when ev was not queued. It must run
// even when ctx is already cancelled.
func (l *Listener) release(ctx context.Context, ev model.StreamEvent) {
	if err := l.guard.Limiter.Release(context.WithoutCancel(ctx)); err != nil {
		l.log.Warn("release rate slot", "source_id", ev.ChatID, "message_id", ev.ID, "error", err)
	}
}

func (l *Listener) source(ctx context.Context, chatID int64) (sourceInfo, error) {
	key := strconv.FormatInt(chatID, 10)
	if v, ok := l.cache.Get(key); ok {
		return v.(sourceInfo), nil
	}

	info := sourceInfo{tag: model.TagNormal, priority: model.DefaultPriority}

	blacklisted, err := l.sources.IsBlacklisted(ctx, chatID)
	if err != nil {
		return info, fmt.Errorf("check blacklist: %w", err)
	}
	info.blacklisted = blacklisted

	cfg, err := l.sources.GetSourceConfig(ctx, chatID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return info, fmt.Errorf("get source config: %w", err)
	default:
		info.name = cfg.Name
		if cfg.Tag != "" {
			info.tag = cfg.Tag
		}
		if cfg.Priority > 0 {
			info.priority = cfg.Priority
		}
	}

	l.cache.SetDefault(key, info)
	return info, nil
}

// Permalink builds a link to a message in a supergroup or channel.
func Permalink(chatID, messageID int64) string {
	id := strconv.FormatInt(chatID, 10)
	if rest, ok := strings.CutPrefix(id, "-100"); ok {
		id = rest
	} else {
		id = strings.TrimPrefix(id, "-")
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", id, messageID)
}
