package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript increments the counter only while it is below the limit, so a
// burst of concurrent callers can never push it past the limit.
var admitScript = redis.NewScript(`
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

// releaseScript gives back one admitted slot without going below zero.
var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// incrScript increments a counter and sets its expiry on first use.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`)

const (
	hourCounterTTL = 2 * time.Hour
	dayCounterTTL  = 48 * time.Hour
)

// DelayPolicy shapes the human-like pause inserted before each message.
type DelayPolicy struct {
	Min              time.Duration
	Max              time.Duration
	PauseProbability float64
	PauseMin         time.Duration
	PauseMax         time.Duration
}

// DefaultDelayPolicy waits 5-15s per message with an occasional 2-5 minute break.
var DefaultDelayPolicy = DelayPolicy{
	Min:              5 * time.Second,
	Max:              15 * time.Second,
	PauseProbability: 0.1,
	PauseMin:         2 * time.Minute,
	PauseMax:         5 * time.Minute,
}

// RateLimiter enforces the warm-up schedule for one lane using Redis counters
// keyed by lane and time bucket.
type RateLimiter struct {
	rdb      *redis.Client
	lane     string
	schedule Schedule
	delay    DelayPolicy
	sessions *sessionStore
	now      func() time.Time
	rng      *lockedRand
	log      *slog.Logger

	mu      sync.Mutex
	created time.Time
}

// Init loads the lane's session record, creating it on first run.
func (r *RateLimiter) Init(ctx context.Context) error {
	sess, err := r.sessions.init(ctx, r.now())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.created = sess.CreatedAt
	r.mu.Unlock()
	r.log.Info("session loaded", "lane", r.lane, "created_at", sess.CreatedAt, "age_days", sess.AgeDays(r.now()))
	return nil
}

// AgeDays returns the lane's account age in days.
func (r *RateLimiter) AgeDays() int {
	r.mu.Lock()
	created := r.created
	r.mu.Unlock()
	if created.IsZero() {
		return 0
	}
	return Session{CreatedAt: created}.AgeDays(r.now())
}

// Limits returns the limits for the lane's current account age.
func (r *RateLimiter) Limits() Limits {
	return r.schedule.For(r.AgeDays())
}

// CheckMessageRate reports whether another message fits in the current hour.
func (r *RateLimiter) CheckMessageRate(ctx context.Context) (bool, error) {
	limit := r.Limits().MessagesPerHour
	n, err := r.count(ctx, r.hourKey())
	if err != nil {
		return false, err
	}
	if n >= limit {
		r.log.Warn("message rate limit reached", "lane", r.lane, "count", n, "limit", limit)
		return false, nil
	}
	return true, nil
}

// RecordMessage counts one accepted message in the current hour.
func (r *RateLimiter) RecordMessage(ctx context.Context) error {
	if err := incrScript.Run(ctx, r.rdb, []string{r.hourKey()}, int(hourCounterTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// Admit checks and records a message in a single round trip. It returns false
// when the hourly limit is already reached.
func (r *RateLimiter) Admit(ctx context.Context) (bool, error) {
	limit := r.Limits().MessagesPerHour
	n, err := admitScript.Run(ctx, r.rdb, []string{r.hourKey()}, limit, int(hourCounterTTL.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("admit message: %w", err)
	}
	if n < 0 {
		r.log.Warn("message rate limit reached", "lane", r.lane, "limit", limit)
		return false, nil
	}
	return true, nil
}

// Release returns a slot taken by Admit for a message that was never queued.
func (r *RateLimiter) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{r.hourKey()}).Err(); err != nil {
		return fmt.Errorf("release message slot: %w", err)
	}
	return nil
}

// CheckJoinRate reports whether another source join fits in the current day.
func (r *RateLimiter) CheckJoinRate(ctx context.Context) (bool, error) {
	limit := r.Limits().JoinsPerDay
	n, err := r.count(ctx, r.dayKey())
	if err != nil {
		return false, err
	}
	if n >= limit {
		r.log.Warn("join rate limit reached", "lane", r.lane, "count", n, "limit", limit)
		return false, nil
	}
	return true, nil
}

// RecordJoin counts one source join in the current day.
func (r *RateLimiter) RecordJoin(ctx context.Context) error {
	if err := incrScript.Run(ctx, r.rdb, []string{r.dayKey()}, int(dayCounterTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	return nil
}

// MessageDelay returns a randomized delay to wait before accepting the next
// message. Occasionally it returns a much longer pause instead.
func (r *RateLimiter) MessageDelay() time.Duration {
	if r.delay.PauseProbability > 0 && r.rng.Float64() < r.delay.PauseProbability {
		d := r.rng.Between(r.delay.PauseMin, r.delay.PauseMax)
		r.log.Info("taking a long pause", "lane", r.lane, "pause", d)
		return d
	}
	return r.rng.Between(r.delay.Min, r.delay.Max)
}

func (r *RateLimiter) count(ctx context.Context, key string) (int, error) {
	n, err := r.rdb.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return n, nil
}

func (r *RateLimiter) hourKey() string {
	return fmt.Sprintf("messages:%s:%s", r.lane, r.now().UTC().Format("2006-01-02:15"))
}

func (r *RateLimiter) dayKey() string {
	return fmt.Sprintf("joins:%s:%s", r.lane, r.now().UTC().Format("2006-01-02"))
}

// lockedRand is a goroutine-safe random source.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(r *rand.Rand) *lockedRand {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // jitter, not security
	}
	return &lockedRand{r: r}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Between returns a uniformly distributed duration in [lo, hi).
func (l *lockedRand) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.Float64()*float64(hi-lo))
}
