// Package matcher evaluates accepted messages against per-user keyword rules
// and fans matches out as notifications.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"news_sniper/internal/model"
)

// RuleStore lists the rules to evaluate.
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]model.UserRule, error)
}

// UserStore resolves rule owners.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// Publisher delivers notifications to the notification queue.
type Publisher interface {
	Push(ctx context.Context, n model.Notification) error
}

// quotaScript counts one notification unless the daily limit is reached.
var quotaScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return -1
end
n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return n
`)

const quotaTTL = 48 * time.Hour

// Options tunes delivery gating.
type Options struct {
	FreeDailyQuota int
	QuietLayout    string
	CacheSize      int
	Now            func() time.Time
}

// FanOutResult summarizes one FanOut call.
type FanOutResult struct {
	Matched   int
	Delivered int
	Quiet     int
	OverQuota int
	Failed    int
}

// Matcher matches messages against active rules.
type Matcher struct {
	rules RuleStore
	users UserStore
	rdb   *redis.Client
	pub   Publisher
	cache *lru.Cache[int64, *compiledRule]
	opts  Options
	log   *slog.Logger
}

// New creates a Matcher.
func New(rules RuleStore, users UserStore, rdb *redis.Client, pub Publisher, opts Options, log *slog.Logger) (*Matcher, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if opts.QuietLayout == "" {
		opts.QuietLayout = "15:04"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := lru.New[int64, *compiledRule](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create rule cache: %w", err)
	}
	return &Matcher{
		rules: rules,
		users: users,
		rdb:   rdb,
		pub:   pub,
		cache: cache,
		opts:  opts,
		log:   log,
	}, nil
}

// compiled returns the cached matcher for r, recompiling it only when the rule
// changed since it was cached.
func (m *Matcher) compiled(r model.UserRule) *compiledRule {
	fp := fingerprint(r)
	if c, ok := m.cache.Get(r.ID); ok && c.fingerprint == fp {
		return c
	}
	c := compileRule(r)
	m.cache.Add(r.ID, c)
	return c
}

// Match reports whether rule r matches a message with the given text from
// sourceID.
func (m *Matcher) Match(r model.UserRule, text string, sourceID int64) bool {
	return m.compiled(r).matches(newSubject(text), sourceID)
}

// MatchAll returns, per user, the first rule that matched env. Each user
// appears at most once.
func (m *Matcher) MatchAll(rules []model.UserRule, env model.RawEnvelope) map[int64]model.UserRule {
	text := newSubject(env.Text)
	out := make(map[int64]model.UserRule)
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if _, done := out[r.UserID]; done {
			continue
		}
		if m.compiled(r).matches(text, env.SourceID) {
			out[r.UserID] = r
		}
	}
	return out
}

// FanOut matches env against all active rules and pushes one notification
// per matched user, subject to quiet hours and the daily quota.
func (m *Matcher) FanOut(ctx context.Context, env model.RawEnvelope, v model.FilterVerdict) (FanOutResult, error) {
	rules, err := m.rules.ListActiveRules(ctx)
	if err != nil {
		return FanOutResult{}, fmt.Errorf("list rules: %w", err)
	}

	matched := m.MatchAll(rules, env)
	res := FanOutResult{Matched: len(matched)}

	userIDs := make([]int64, 0, len(matched))
	for id := range matched {
		userIDs = append(userIDs, id)
	}
	slices.Sort(userIDs)

	now := m.opts.Now()
	for _, id := range userIDs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		rule := matched[id]
		log := m.log.With("user_id", id, "rule_id", rule.ID, "source_id", env.SourceID, "message_id", env.MessageID)

		user, err := m.users.GetUser(ctx, id)
		if err != nil {
			log.Error("load rule owner", "error", err)
			res.Failed++
			continue
		}

		if InQuietHours(now, user.QuietStart, user.QuietEnd, m.opts.QuietLayout, user.Timezone) {
			log.Debug("suppressed by quiet hours")
			res.Quiet++
			continue
		}

		privileged := user.Privileged(now)
		if !privileged {
			ok, err := m.takeQuota(ctx, id, now)
			if err != nil {
				log.Error("check daily quota", "error", err)
				res.Failed++
				continue
			}
			if !ok {
				log.Debug("daily quota reached")
				res.OverQuota++
				continue
			}
		}

		n := model.Notification{
			ID:        uuid.NewString(),
			UserID:    id,
			Message:   env,
			MatchedBy: "rule:" + strconv.FormatInt(rule.ID, 10),
			Timestamp: now.UTC(),
		}
		if privileged {
			n.AIAnalysis = v.AI.Reasoning
		}
		if err := m.pub.Push(ctx, n); err != nil {
			log.Error("push notification", "error", err)
			res.Failed++
			continue
		}
		res.Delivered++
	}
	return res, nil
}

func (m *Matcher) takeQuota(ctx context.Context, userID int64, now time.Time) (bool, error) {
	key := fmt.Sprintf("notif_count:%d:%s", userID, now.UTC().Format("2006-01-02"))
	n, err := quotaScript.Run(ctx, m.rdb, []string{key}, m.opts.FreeDailyQuota, int(quotaTTL.Seconds())).Int64()
	if err != nil {
		return false, err
	}
	return n >= 0, nil
}
