package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"news_sniper/internal/dedup"
	"news_sniper/internal/filter"
	"news_sniper/internal/matcher"
	"news_sniper/internal/model"
	"news_sniper/internal/queue"
	"news_sniper/internal/scheduler"
	"news_sniper/internal/storage"
)

type stubScorer struct {
	calls int
}

func (s *stubScorer) Score(context.Context, filter.ScoreRequest) (model.AIScore, error) {
	s.calls++
	return model.AIScore{Relevance: 85, Credibility: 70, MarketImpact: 75, FinalWeight: 82, ShouldInclude: true, Reasoning: "clear breakout signal"}, nil
}

type fixture struct {
	store  *storage.SQLite
	raw    *queue.Queue[model.RawEnvelope]
	notifs *queue.Queue[model.Notification]
	buffer *scheduler.Buffer
	scorer *stubScorer
	mr     *miniredis.Miniredis
	p      *Pipeline
	userID int64
}

func newFixture(t *testing.T, notifyOnDuplicate bool) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:  store,
		raw:    queue.New[model.RawEnvelope](rdb, queue.RawKey, log),
		notifs: queue.New[model.Notification](rdb, queue.NotificationKey, log),
		buffer: scheduler.NewBuffer(rdb, 24*time.Hour),
		scorer: &stubScorer{},
		mr:     mr,
		userID: 501,
	}

	if err := store.UpsertUser(ctx, &model.User{ID: f.userID, Plan: model.PlanFree}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := store.CreateRule(ctx, &model.UserRule{UserID: f.userID, MustHave: []string{"$btc", "btc"}, IsActive: true}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	m, err := matcher.New(store, store, rdb, f.notifs, matcher.Options{FreeDailyQuota: 10}, log)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}

	engine := filter.NewEngine(f.scorer, filter.DefaultThresholds, log)
	f.p, err = New(f.raw, engine, store, m, f.buffer, Options{
		Policy:            dedup.DefaultPolicy,
		NotifyOnDuplicate: notifyOnDuplicate,
		PopTimeout:        50 * time.Millisecond,
	}, log)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return f
}

func breakout(source, id int64, text string) model.RawEnvelope {
	return model.RawEnvelope{
		Origin:      model.OriginTelegram,
		SourceID:    source,
		SourceTitle: "Crypto Daily",
		MessageID:   id,
		Text:        text,
		Timestamp:   time.Now().UTC().Truncate(time.Second),
		Tags:        []string{"PUMP"},
		Priority:    1,
	}
}

func (f *fixture) pendingNotifications(t *testing.T) int64 {
	t.Helper()
	n, err := f.notifs.Len(context.Background())
	if err != nil {
		t.Fatalf("notification queue length: %v", err)
	}
	return n
}

func TestProcessAcceptedMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	env := breakout(-1001, 10, "BTC breaks $95,000 resistance, bullish breakout")

	out := f.p.Process(ctx, env)

	if !out.Verdict.Include || !out.Stored || out.Duplicate {
		t.Fatalf("unexpected outcome: include=%t stored=%t duplicate=%t", out.Verdict.Include, out.Stored, out.Duplicate)
	}
	rec, err := f.store.GetNewsByHash(ctx, dedup.ContentHash(env.Text))
	if err != nil {
		t.Fatalf("get news: %v", err)
	}
	if diff := cmp.Diff(1, rec.Occurrences); diff != "" {
		t.Errorf("occurrences mismatch (-want +got):\n%s", diff)
	}
	if rec.FullText == nil {
		t.Error("weight 82 should keep the full text")
	}
	if diff := cmp.Diff(1, out.FanOut.Delivered); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(int64(1), f.pendingNotifications(t)); diff != "" {
		t.Errorf("notification queue mismatch (-want +got):\n%s", diff)
	}

	buffered, err := f.buffer.Since(ctx, []string{"PUMP"}, env.Timestamp.Add(-time.Minute))
	if err != nil {
		t.Fatalf("buffer since: %v", err)
	}
	if diff := cmp.Diff(1, len(buffered)); diff != "" {
		t.Errorf("buffered mismatch (-want +got):\n%s", diff)
	}

	if _, ok := f.p.Verdict(env.SourceID, env.MessageID); !ok {
		t.Error("verdict should be retained")
	}
}

func TestProcessDuplicateContent(t *testing.T) {
	tests := []struct {
		name              string
		notifyOnDuplicate bool
		wantNotifications int64
	}{
		{name: "notify on duplicate", notifyOnDuplicate: true, wantNotifications: 2},
		{name: "suppress duplicate", notifyOnDuplicate: false, wantNotifications: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.notifyOnDuplicate)

			first := breakout(-1001, 10, "BTC breaks $95,000 resistance, bullish breakout")
			second := breakout(-1002, 77, "  btc BREAKS $95,000   resistance,\nbullish breakout ")

			f.p.Process(ctx, first)
			out := f.p.Process(ctx, second)

			if !out.Duplicate {
				t.Fatal("second message should be a duplicate")
			}
			hash := dedup.ContentHash(first.Text)
			rec, err := f.store.GetNewsByHash(ctx, hash)
			if err != nil {
				t.Fatalf("get news: %v", err)
			}
			if diff := cmp.Diff(2, rec.Occurrences); diff != "" {
				t.Errorf("occurrences mismatch (-want +got):\n%s", diff)
			}
			links, err := f.store.ListDuplicates(ctx, hash)
			if err != nil {
				t.Fatalf("list duplicates: %v", err)
			}
			if diff := cmp.Diff(1, len(links)); diff != "" {
				t.Errorf("duplicate links mismatch (-want +got):\n%s", diff)
			}
			count, err := f.store.CountNews(ctx)
			if err != nil {
				t.Fatalf("count news: %v", err)
			}
			if diff := cmp.Diff(1, count); diff != "" {
				t.Errorf("canonical rows mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantNotifications, f.pendingNotifications(t)); diff != "" {
				t.Errorf("notifications mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProcessSpamTouchesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	before := testutil.ToFloat64(rejectedTotal.WithLabelValues("layer1", string(model.LayerRejectedSpam)))

	out := f.p.Process(ctx, breakout(-1001, 11, "follow us, retweet to win BTC"))

	if out.Verdict.Include || out.Stored {
		t.Fatalf("spam must be rejected without storage: %+v", out)
	}
	if diff := cmp.Diff(0, f.scorer.calls); diff != "" {
		t.Errorf("scorer calls (-want +got):\n%s", diff)
	}
	count, err := f.store.CountNews(ctx)
	if err != nil {
		t.Fatalf("count news: %v", err)
	}
	if diff := cmp.Diff(0, count); diff != "" {
		t.Errorf("store writes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(int64(0), f.pendingNotifications(t)); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}
	after := testutil.ToFloat64(rejectedTotal.WithLabelValues("layer1", string(model.LayerRejectedSpam)))
	if diff := cmp.Diff(1.0, after-before); diff != "" {
		t.Errorf("rejection metric delta (-want +got):\n%s", diff)
	}
}

func TestRunSkipsMalformedMessages(t *testing.T) {
	f := newFixture(t, true)
	before := testutil.ToFloat64(malformedTotal)

	if _, err := f.mr.Lpush(queue.RawKey, "{not json"); err != nil {
		t.Fatalf("seed malformed: %v", err)
	}
	env := breakout(-1001, 12, "BTC breaks $95,000 resistance, bullish breakout")
	if err := f.raw.Push(context.Background(), env); err != nil {
		t.Fatalf("push: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.p.Verdict(env.SourceID, env.MessageID); ok {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("valid message was not processed after a malformed one")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
	if diff := cmp.Diff(1.0, testutil.ToFloat64(malformedTotal)-before); diff != "" {
		t.Errorf("malformed metric delta (-want +got):\n%s", diff)
	}
}

func TestRecentAndHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.p.Process(ctx, breakout(-1001, 1, "follow us, retweet to win"))
	f.p.Process(ctx, breakout(-1001, 2, "Good morning everyone, lovely weather"))
	f.p.Process(ctx, breakout(-1001, 3, "BTC breaks $95,000 resistance, bullish breakout"))

	var ids []int64
	for _, v := range f.p.Recent(2) {
		ids = append(ids, v.MessageID)
	}
	if diff := cmp.Diff([]int64{3, 2}, ids); diff != "" {
		t.Errorf("recent order mismatch (-want +got):\n%s", diff)
	}

	rec := httptest.NewRecorder()
	f.p.VerdictsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verdicts?limit=3", nil))
	if diff := cmp.Diff(http.StatusOK, rec.Code); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
	var got []model.FilterVerdict
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(3, len(got)); diff != "" {
		t.Errorf("verdict count mismatch (-want +got):\n%s", diff)
	}

	var views []struct {
		MessageID  int64
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode categories: %v", err)
	}
	if len(views) == 0 {
		t.Fatal("no verdicts served")
	}
	if diff := cmp.Diff([]string{"technical", "ticker"}, views[0].Categories); diff != "" {
		t.Errorf("categories of newest verdict (-want +got):\n%s", diff)
	}

	bad := httptest.NewRecorder()
	f.p.VerdictsHandler().ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/verdicts?limit=zero", nil))
	if diff := cmp.Diff(http.StatusBadRequest, bad.Code); diff != "" {
		t.Errorf("bad limit status (-want +got):\n%s", diff)
	}
}
