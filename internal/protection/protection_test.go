package protection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Sleep advances the clock instead of blocking.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

type stubProber struct {
	err error
}

func (p stubProber) Probe(context.Context) error { return p.err }

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTestGuard(t *testing.T, clock *fakeClock, prober Prober, opts Options) *Guard {
	t.Helper()
	opts.Now = clock.Now
	opts.Sleep = clock.Sleep
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGuard(newTestRedis(t), "lane-1", prober, opts, log)
	if err := g.Limiter.Init(context.Background()); err != nil {
		t.Fatalf("init limiter: %v", err)
	}
	return g
}

func TestScheduleMonotonic(t *testing.T) {
	if err := DefaultSchedule.Validate(); err != nil {
		t.Fatalf("default schedule invalid: %v", err)
	}
	for day := 0; day < 30; day++ {
		cur, next := DefaultSchedule.For(day), DefaultSchedule.For(day+1)
		if cur.MessagesPerHour > next.MessagesPerHour {
			t.Errorf("day %d: messages/hour %d > day %d value %d", day, cur.MessagesPerHour, day+1, next.MessagesPerHour)
		}
		if cur.JoinsPerDay > next.JoinsPerDay {
			t.Errorf("day %d: joins/day %d > day %d value %d", day, cur.JoinsPerDay, day+1, next.JoinsPerDay)
		}
	}
}

func TestScheduleFor(t *testing.T) {
	tests := []struct {
		name string
		age  int
		want Limits
	}{
		{name: "first day", age: 0, want: Limits{MessagesPerHour: 10, JoinsPerDay: 2}},
		{name: "day four", age: 3, want: Limits{MessagesPerHour: 30, JoinsPerDay: 8}},
		{name: "capped after table", age: 400, want: Limits{MessagesPerHour: 60, JoinsPerDay: 20}},
		{name: "negative age", age: -2, want: Limits{MessagesPerHour: 10, JoinsPerDay: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, DefaultSchedule.For(tt.age)); diff != "" {
				t.Errorf("For() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    Schedule
		wantErr bool
	}{
		{
			name: "valid",
			yaml: "days:\n  - max_messages_per_hour: 5\n    max_joins_per_day: 1\n  - max_messages_per_hour: 8\n    max_joins_per_day: 1\n",
			want: Schedule{{MessagesPerHour: 5, JoinsPerDay: 1}, {MessagesPerHour: 8, JoinsPerDay: 1}},
		},
		{
			name:    "decreasing",
			yaml:    "days:\n  - max_messages_per_hour: 8\n    max_joins_per_day: 1\n  - max_messages_per_hour: 5\n    max_joins_per_day: 1\n",
			wantErr: true,
		},
		{name: "empty", yaml: "days: []\n", wantErr: true},
		{name: "not yaml", yaml: "days: [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule([]byte(tt.yaml))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseSchedule() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadScheduleEmptyPath(t *testing.T) {
	got, err := LoadSchedule("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultSchedule, got); diff != "" {
		t.Errorf("LoadSchedule(\"\") mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageRate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})

	for i := 0; i < 10; i++ {
		ok, err := g.Limiter.CheckMessageRate(ctx)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("check %d: expected allowed", i)
		}
		if err := g.Limiter.RecordMessage(ctx); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	ok, err := g.Limiter.CheckMessageRate(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Error("expected 11th message in the hour to be deferred")
	}

	clock.Advance(time.Hour)
	ok, err = g.Limiter.CheckMessageRate(ctx)
	if err != nil {
		t.Fatalf("check next hour: %v", err)
	}
	if !ok {
		t.Error("expected a new hour bucket to allow messages again")
	}
}

func TestAdmitNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Limiter.Admit(ctx)
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if diff := cmp.Diff(10, admitted); diff != "" {
		t.Errorf("admitted count mismatch (-want +got):\n%s", diff)
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{Schedule: Schedule{{MessagesPerHour: 1, JoinsPerDay: 1}}})

	// Releasing an unused hour must not create spare capacity.
	if err := g.Limiter.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	var got []bool
	for _, release := range []bool{true, false, false} {
		ok, err := g.Limiter.Admit(ctx)
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		got = append(got, ok)
		if ok && release {
			if err := g.Limiter.Release(ctx); err != nil {
				t.Fatalf("release: %v", err)
			}
		}
	}
	if diff := cmp.Diff([]bool{true, true, false}, got); diff != "" {
		t.Errorf("admissions mismatch (-want +got):\n%s", diff)
	}
}

func TestAccountAgeSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})

	clock.Advance(3*24*time.Hour + time.Hour)
	if err := g.Limiter.Init(ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if diff := cmp.Diff(3, g.Limiter.AgeDays()); diff != "" {
		t.Errorf("age mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(DefaultSchedule[3], g.Limiter.Limits()); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}
}

func TestJoinRate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})

	for i := 0; i < 2; i++ {
		ok, err := g.Limiter.CheckJoinRate(ctx)
		if err != nil || !ok {
			t.Fatalf("join %d: ok=%v err=%v", i, ok, err)
		}
		if err := g.Limiter.RecordJoin(ctx); err != nil {
			t.Fatalf("record join: %v", err)
		}
	}
	ok, err := g.Limiter.CheckJoinRate(ctx)
	if err != nil {
		t.Fatalf("check join: %v", err)
	}
	if ok {
		t.Error("expected third join on day one to be refused")
	}
}

func TestMessageDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy DelayPolicy
		lo, hi time.Duration
	}{
		{
			name:   "regular cadence",
			policy: DelayPolicy{Min: 5 * time.Second, Max: 15 * time.Second, PauseProbability: 0},
			lo:     5 * time.Second,
			hi:     15 * time.Second,
		},
		{
			name: "always pause",
			policy: DelayPolicy{
				Min: 5 * time.Second, Max: 15 * time.Second,
				PauseProbability: 1, PauseMin: 2 * time.Minute, PauseMax: 5 * time.Minute,
			},
			lo: 2 * time.Minute,
			hi: 5 * time.Minute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGuard(t, newFakeClock(), stubProber{}, Options{Delay: tt.policy})
			for i := 0; i < 200; i++ {
				d := g.Limiter.MessageDelay()
				if d < tt.lo || d > tt.hi {
					t.Fatalf("delay %s outside [%s, %s]", d, tt.lo, tt.hi)
				}
			}
		})
	}
}

func TestHandleFlood(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})

	requested := 30 * time.Second
	actual, err := g.Flood.HandleFlood(ctx, requested)
	if err != nil {
		t.Fatalf("handle flood: %v", err)
	}
	// First flood: backoff = 1s * 1.5.
	if actual < requested || actual > requested+1500*time.Millisecond {
		t.Fatalf("actual wait %s outside [%s, %s]", actual, requested, requested+1500*time.Millisecond)
	}

	waiting, remaining, err := g.Flood.IsUnderFloodWait(ctx)
	if err != nil {
		t.Fatalf("is under flood wait: %v", err)
	}
	if !waiting {
		t.Fatal("expected lane to be under flood wait")
	}
	if remaining != actual {
		t.Errorf("remaining %s, want %s", remaining, actual)
	}

	clock.Advance(actual)
	waiting, _, err = g.Flood.IsUnderFloodWait(ctx)
	if err != nil {
		t.Fatalf("is under flood wait after resume: %v", err)
	}
	if waiting {
		t.Error("expected flood wait to be over once the resume time passed")
	}
}

func TestFloodBackoffGrowsAndCaps(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	policy := FloodPolicy{Initial: time.Second, Multiplier: 2, Max: 5 * time.Second, ResetAfter: time.Hour}
	g := newTestGuard(t, clock, stubProber{}, Options{Flood: policy})

	want := []float64{2, 4, 5, 5}
	var got []float64
	for range want {
		if _, err := g.Flood.HandleFlood(ctx, time.Second); err != nil {
			t.Fatalf("handle flood: %v", err)
		}
		sess, err := g.Flood.sessions.load(ctx, clock.Now())
		if err != nil {
			t.Fatalf("load session: %v", err)
		}
		got = append(got, sess.BackoffSeconds)
		clock.Advance(time.Minute)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("backoff progression mismatch (-want +got):\n%s", diff)
	}

	clock.Advance(2 * time.Hour)
	if _, err := g.Flood.HandleFlood(ctx, time.Second); err != nil {
		t.Fatalf("handle flood after quiet period: %v", err)
	}
	sess, err := g.Flood.sessions.load(ctx, clock.Now())
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if diff := cmp.Diff(2.0, sess.BackoffSeconds); diff != "" {
		t.Errorf("backoff after reset mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(5, sess.FloodCount); diff != "" {
		t.Errorf("flood count mismatch (-want +got):\n%s", diff)
	}
}

func TestWaitIfFlood(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})

	start := clock.Now()
	if _, err := g.Flood.HandleFlood(ctx, 45*time.Second); err != nil {
		t.Fatalf("handle flood: %v", err)
	}
	if err := g.Flood.WaitIfFlood(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if waited := clock.Now().Sub(start); waited < 45*time.Second {
		t.Errorf("waited %s, want at least 45s", waited)
	}
}

func TestWaitIfFloodCancelled(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})
	if _, err := g.Flood.HandleFlood(context.Background(), time.Minute); err != nil {
		t.Fatalf("handle flood: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Flood.WaitIfFlood(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentFloodAndHealthKeepSessionFields(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})

	const rounds = 8
	var wg sync.WaitGroup
	for range rounds {
		wg.Go(func() {
			if _, err := g.Flood.HandleFlood(ctx, time.Second); err != nil {
				t.Errorf("handle flood: %v", err)
			}
		})
		wg.Go(func() { g.Health.CheckHealth(ctx) })
	}
	wg.Wait()

	sess, err := g.Flood.sessions.load(ctx, clock.Now())
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if diff := cmp.Diff(rounds, sess.FloodCount); diff != "" {
		t.Errorf("flood count mismatch (-want +got):\n%s", diff)
	}
	if sess.LastFloodAt == nil {
		t.Error("last flood time lost")
	}
	if sess.HealthStatus == "" {
		t.Error("health status not persisted")
	}
}

func TestSessionUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newTestGuard(t, clock, stubProber{}, Options{})
	store := g.Flood.sessions

	calls := 0
	sess, err := store.update(ctx, clock.Now(), func(s *Session) {
		calls++
		if calls == 1 {
			// A writer from another process lands between read and write.
			if err := store.rdb.Set(ctx, store.key, `{"flood_count":7}`, sessionTTL).Err(); err != nil {
				t.Fatalf("concurrent write: %v", err)
			}
		}
		s.HealthStatus = StatusWarning
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if diff := cmp.Diff(2, calls); diff != "" {
		t.Errorf("attempts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(7, sess.FloodCount); diff != "" {
		t.Errorf("flood count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(StatusWarning, sess.HealthStatus); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name       string
		probeErr   error
		flood      bool
		wantStatus HealthStatus
		wantIssues int
	}{
		{name: "healthy", wantStatus: StatusHealthy},
		{name: "transient probe failure", probeErr: errors.New("timeout"), wantStatus: StatusWarning, wantIssues: 1},
		{name: "under flood wait", flood: true, wantStatus: StatusWarning, wantIssues: 1},
		{name: "revoked credentials", probeErr: errors.Join(ErrUnauthorized, errors.New("401")), wantStatus: StatusDanger, wantIssues: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			g := newTestGuard(t, clock, stubProber{err: tt.probeErr}, Options{})
			if tt.flood {
				if _, err := g.Flood.HandleFlood(ctx, time.Minute); err != nil {
					t.Fatalf("handle flood: %v", err)
				}
			}

			report := g.Health.CheckHealth(ctx)
			if diff := cmp.Diff(tt.wantStatus, report.Status); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantIssues, len(report.Issues)); diff != "" {
				t.Errorf("issue count mismatch (-want +got):\n%s\nissues: %v", diff, report.Issues)
			}

			sess, err := g.Health.sessions.load(ctx, clock.Now())
			if err != nil {
				t.Fatalf("load session: %v", err)
			}
			if diff := cmp.Diff(tt.wantStatus, sess.HealthStatus); diff != "" {
				t.Errorf("persisted status mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
