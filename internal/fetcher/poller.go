package fetcher

import (
	"context"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"

	"news_sniper/internal/model"
)

// FeedStore is the persistence the poller needs.
type FeedStore interface {
	ListDueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
	MarkSeen(ctx context.Context, feedID int64, guid string) error
	IsSeen(ctx context.Context, feedID int64, guid string) (bool, error)
}

// Publisher hands envelopes to the raw queue.
type Publisher interface {
	Push(ctx context.Context, env model.RawEnvelope) error
}

// Poller periodically checks due RSS feeds and publishes unseen items.
type Poller struct {
	store   FeedStore
	fetcher *Fetcher
	pub     Publisher
	log     *slog.Logger
	tick    time.Duration
	now     func() time.Time
}

// NewPoller creates a Poller.
func NewPoller(store FeedStore, f *Fetcher, pub Publisher, log *slog.Logger) *Poller {
	return &Poller{
		store:   store,
		fetcher: f,
		pub:     pub,
		log:     log,
		tick:    1 * time.Minute,
		now:     time.Now,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (p *Poller) SetTickInterval(d time.Duration) {
	p.tick = d
}

// Run starts the polling loop, blocking until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.CheckAll(ctx)

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckAll(ctx)
		}
	}
}

// CheckAll processes every feed that is due.
func (p *Poller) CheckAll(ctx context.Context) {
	feeds, err := p.store.ListDueFeeds(ctx, p.now().UTC())
	if err != nil {
		p.log.Error("list due feeds", "error", err)
		return
	}

	for _, feed := range feeds {
		if ctx.Err() != nil {
			return
		}
		p.processFeed(ctx, feed)
	}
}

func (p *Poller) processFeed(ctx context.Context, feed model.Feed) {
	p.log.Debug("checking feed", "feed_id", feed.ID, "name", feed.Name)

	rssFeed, err := p.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		p.log.Error("fetch feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
		p.updateLastCheck(ctx, &feed)
		return
	}

	published := 0
	for _, item := range rssFeed.Items {
		guid := ItemGUID(item)
		seen, err := p.store.IsSeen(ctx, feed.ID, guid)
		if err != nil {
			p.log.Error("check seen", "feed_id", feed.ID, "guid", guid, "error", err)
			continue
		}
		if seen {
			continue
		}

		env := p.envelope(feed, item, guid)
		if env.Validate() != nil {
			continue
		}
		if err := p.pub.Push(ctx, env); err != nil {
			// Left unseen so the next poll retries it.
			p.log.Error("publish item", "feed_id", feed.ID, "guid", guid, "error", err)
			continue
		}
		published++

		if err := p.store.MarkSeen(ctx, feed.ID, guid); err != nil {
			p.log.Error("mark seen", "feed_id", feed.ID, "guid", guid, "error", err)
		}
	}

	if published > 0 {
		p.log.Info("published feed items", "feed_id", feed.ID, "name", feed.Name, "count", published)
	}

	p.updateLastCheck(ctx, &feed)
}

func (p *Poller) envelope(feed model.Feed, item *gofeed.Item, guid string) model.RawEnvelope {
	ts := p.now().UTC()
	if item.PublishedParsed != nil {
		ts = item.PublishedParsed.UTC()
	}
	tag := feed.Tag
	if tag == "" {
		tag = model.TagNormal
	}
	priority := feed.Priority
	if priority == 0 {
		priority = model.DefaultPriority
	}
	return model.RawEnvelope{
		Origin:      model.OriginRSS,
		SourceID:    feed.ID,
		SourceTitle: feed.Name,
		MessageID:   itemID(guid),
		Text:        ItemText(item),
		Timestamp:   ts,
		Permalink:   item.Link,
		Tags:        []string{tag},
		Priority:    priority,
	}
}

// itemID maps a GUID to a stable positive message ID.
func itemID(guid string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(guid))
	return int64(h.Sum64() >> 1)
}

func (p *Poller) updateLastCheck(ctx context.Context, feed *model.Feed) {
	now := p.now().UTC()
	feed.LastCheckAt = &now
	if err := p.store.UpdateFeed(ctx, feed); err != nil {
		p.log.Error("update last check", "feed_id", feed.ID, "error", err)
	}
}
