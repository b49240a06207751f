package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"news_sniper/internal/model"
	"news_sniper/internal/protection"
	"news_sniper/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Sleep advances the clock instead of blocking.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type fakeSources struct {
	mu          sync.Mutex
	configs     map[int64]model.SourceConfig
	blacklisted map[int64]bool
	lookups     int
}

func (f *fakeSources) GetSourceConfig(_ context.Context, chatID int64) (*model.SourceConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	cfg, ok := f.configs[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &cfg, nil
}

func (f *fakeSources) IsBlacklisted(_ context.Context, chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklisted[chatID], nil
}

type published struct {
	env model.RawEnvelope
	at  time.Time
}

type fakePublisher struct {
	mu   sync.Mutex
	now  func() time.Time
	err  error
	sent []published
}

func (p *fakePublisher) Push(_ context.Context, env model.RawEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{env: env, at: p.now()})
	return nil
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]published, len(p.sent))
	copy(cp, p.sent)
	return cp
}

type harness struct {
	clock   *fakeClock
	prober  *fakeProber
	sources *fakeSources
	pub     *fakePublisher
	guard   *protection.Guard
	sleeps  []time.Duration
	// sleepErr, when set, interrupts the human-like delay.
	sleepErr error
	l        *Listener
}

func newHarness(t *testing.T, perHour int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		clock:  newFakeClock(),
		prober: &fakeProber{},
		sources: &fakeSources{
			configs:     map[int64]model.SourceConfig{},
			blacklisted: map[int64]bool{},
		},
	}
	h.pub = &fakePublisher{now: h.clock.Now}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var mu sync.Mutex
	h.guard = protection.NewGuard(rdb, "lane-1", h.prober, protection.Options{
		Schedule: protection.Schedule{{MessagesPerHour: perHour, JoinsPerDay: 1}},
		Delay:    protection.DelayPolicy{Min: 5 * time.Second, Max: 15 * time.Second},
		Flood:    protection.FloodPolicy{Initial: time.Second, Multiplier: 2, Max: 5 * time.Second, ResetAfter: time.Hour},
		Now:      h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			h.sleeps = append(h.sleeps, d)
			err := h.sleepErr
			mu.Unlock()
			if err != nil {
				return err
			}
			return h.clock.Sleep(ctx, d)
		},
		Rand: rand.New(rand.NewPCG(1, 2)),
	}, log)
	h.l = New(h.guard, h.sources, h.pub, time.Minute, log)
	return h
}

func event(chatID, id int64, text string) model.StreamEvent {
	return model.StreamEvent{
		ID:        id,
		ChatID:    chatID,
		ChatTitle: "Alpha Calls",
		Text:      text,
		Date:      time.Date(2026, 3, 10, 11, 59, 0, 0, time.UTC),
		SenderID:  42,
	}
}

func TestHandleDropsIgnoredEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.sources.blacklisted[-1002] = true

	self := event(-1001, 1, "my own post")
	self.IsSelf = true
	private := event(7, 2, "hi there")
	private.IsPrivate = true

	for _, ev := range []model.StreamEvent{
		self,
		private,
		event(-1001, 3, "   "),
		event(-1002, 4, "BTC pumps"),
	} {
		if err := h.l.Handle(ctx, ev); err != nil {
			t.Fatalf("handle %d: %v", ev.ID, err)
		}
	}
	if diff := cmp.Diff(0, len(h.pub.all())); diff != "" {
		t.Errorf("ignored events must not be published (-want +got):\n%s", diff)
	}
}

func TestHandleEnrichesEnvelope(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.sources.configs[-1001234567890] = model.SourceConfig{ChatID: -1001234567890, Name: "Whale Alerts", Tag: "WHALE", Priority: 5}

	configured := event(-1001234567890, 77, "BTC whale moved 1000 coins")
	configured.PhotoRef = "photo-1"
	if err := h.l.Handle(ctx, configured); err != nil {
		t.Fatalf("handle configured: %v", err)
	}
	if err := h.l.Handle(ctx, event(-1009, 5, "ETH news")); err != nil {
		t.Fatalf("handle unconfigured: %v", err)
	}

	sent := h.pub.all()
	if diff := cmp.Diff(2, len(sent)); diff != "" {
		t.Fatalf("published count mismatch (-want +got):\n%s", diff)
	}

	want := model.RawEnvelope{
		Origin:      model.OriginTelegram,
		SourceID:    -1001234567890,
		SourceTitle: "Alpha Calls",
		MessageID:   77,
		Text:        "BTC whale moved 1000 coins",
		Timestamp:   configured.Date,
		SenderID:    42,
		Permalink:   "https://t.me/c/1234567890/77",
		MediaRef:    "photo-1",
		Tags:        []string{"WHALE"},
		Priority:    5,
	}
	if diff := cmp.Diff(want, sent[0].env); diff != "" {
		t.Errorf("configured envelope mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{model.TagNormal}, sent[1].env.Tags); diff != "" {
		t.Errorf("default tag mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(model.DefaultPriority, sent[1].env.Priority); diff != "" {
		t.Errorf("default priority mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleAppliesMessageDelay(t *testing.T) {
	h := newHarness(t, 10)
	if err := h.l.Handle(context.Background(), event(-1001, 1, "BTC")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if diff := cmp.Diff(1, len(h.sleeps)); diff != "" {
		t.Fatalf("sleep count mismatch (-want +got):\n%s", diff)
	}
	if d := h.sleeps[0]; d < 5*time.Second || d >= 15*time.Second {
		t.Errorf("delay %s outside [5s, 15s)", d)
	}
}

func TestHandleDefersOverLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)

	for i := range 2 {
		if err := h.l.Handle(ctx, event(-1001, int64(i+1), "BTC")); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	err := h.l.Handle(ctx, event(-1001, 3, "BTC"))
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("got %v, want ErrDeferred", err)
	}
	if diff := cmp.Diff(2, len(h.pub.all())); diff != "" {
		t.Errorf("deferred event must not be published (-want +got):\n%s", diff)
	}
}

func TestHandleReleasesSlotWhenNotQueued(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		reset func(h *harness)
		want  error
	}{
		{
			name:  "push fails",
			setup: func(h *harness) { h.pub.err = errors.New("redis down") },
			reset: func(h *harness) { h.pub.err = nil },
		},
		{
			name:  "delay interrupted",
			setup: func(h *harness) { h.sleepErr = context.Canceled },
			reset: func(h *harness) { h.sleepErr = nil },
			want:  context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, 1)

			tt.setup(h)
			err := h.l.Handle(ctx, event(-1001, 1, "BTC"))
			if err == nil {
				t.Fatal("expected handle to fail")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}

			tt.reset(h)
			if err := h.l.Handle(ctx, event(-1001, 2, "BTC")); err != nil {
				t.Fatalf("retry after failure: %v", err)
			}
			if diff := cmp.Diff(1, len(h.pub.all())); diff != "" {
				t.Errorf("published count mismatch (-want +got):\n%s", diff)
			}
			if err := h.l.Handle(ctx, event(-1001, 3, "BTC")); !errors.Is(err, ErrDeferred) {
				t.Errorf("got %v, want ErrDeferred once the slot is used", err)
			}
		})
	}
}

func TestSourceLookupCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)

	for i := range 3 {
		if err := h.l.Handle(ctx, event(-1001, int64(i+1), "BTC")); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if diff := cmp.Diff(1, h.sources.lookups); diff != "" {
		t.Errorf("source config lookups (-want +got):\n%s", diff)
	}
}

func TestPermalink(t *testing.T) {
	tests := []struct {
		chatID int64
		want   string
	}{
		{chatID: -1001234567890, want: "https://t.me/c/1234567890/9"},
		{chatID: -4567, want: "https://t.me/c/4567/9"},
		{chatID: 4567, want: "https://t.me/c/4567/9"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.chatID), func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Permalink(tt.chatID, 9)); diff != "" {
				t.Errorf("permalink mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
