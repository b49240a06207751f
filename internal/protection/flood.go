package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FloodWaitError is the server's request to pause for Wait before the next call.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait requested: %s", e.Wait)
}

// AsFloodWait extracts a FloodWaitError from err.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}

// FloodPolicy controls the backoff added on top of the server-requested wait.
type FloodPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	// ResetAfter is the flood-free period after which backoff starts over.
	ResetAfter time.Duration
}

// DefaultFloodPolicy grows backoff by 1.5x per flood up to ten minutes.
var DefaultFloodPolicy = FloodPolicy{
	Initial:    time.Second,
	Multiplier: 1.5,
	Max:        10 * time.Minute,
	ResetAfter: 6 * time.Hour,
}

// FloodHandler tracks flood-wait signals for one lane. The absolute resume
// time is stored in Redis so any caller can check it cheaply.
type FloodHandler struct {
	rdb      *redis.Client
	lane     string
	key      string
	policy   FloodPolicy
	sessions *sessionStore
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	rng      *lockedRand
	log      *slog.Logger

	mu sync.Mutex
}

// HandleFlood records a flood signal asking for requested and returns the
// actual wait: requested plus a random jitter bounded by the current backoff.
func (f *FloodHandler) HandleFlood(ctx context.Context, requested time.Duration) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var backoff, actual time.Duration
	_, err := f.sessions.update(ctx, now, func(sess *Session) {
		backoff = time.Duration(sess.BackoffSeconds * float64(time.Second))
		if backoff <= 0 || (sess.LastFloodAt != nil && now.Sub(*sess.LastFloodAt) >= f.policy.ResetAfter) {
			backoff = f.policy.Initial
		}
		backoff = time.Duration(math.Min(float64(backoff)*f.policy.Multiplier, float64(f.policy.Max)))
		actual = requested + time.Duration(f.rng.Float64()*float64(backoff))

		sess.FloodCount++
		sess.LastFloodAt = &now
		sess.BackoffSeconds = backoff.Seconds()
	})
	if err != nil {
		return 0, fmt.Errorf("record flood in session: %w", err)
	}

	resume := now.Add(actual)
	ttl := actual.Round(time.Second) + time.Minute
	if err := f.rdb.Set(ctx, f.key, resume.UnixNano(), ttl).Err(); err != nil {
		return actual, fmt.Errorf("store flood resume time: %w", err)
	}

	f.log.Error("flood wait detected",
		"lane", f.lane,
		"requested", requested,
		"actual", actual,
		"backoff", backoff,
		"resume_at", resume,
	)
	return actual, nil
}

// IsUnderFloodWait reports whether the lane must still wait and for how long.
func (f *FloodHandler) IsUnderFloodWait(ctx context.Context) (bool, time.Duration, error) {
	ns, err := f.rdb.Get(ctx, f.key).Int64()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("read flood resume time: %w", err)
	}
	remaining := time.Unix(0, ns).Sub(f.now())
	if remaining > 0 {
		return true, remaining, nil
	}
	if err := f.rdb.Del(ctx, f.key).Err(); err != nil {
		f.log.Warn("clear expired flood wait", "lane", f.lane, "error", err)
	}
	return false, 0, nil
}

// WaitIfFlood suspends the caller until the stored resume time has passed.
func (f *FloodHandler) WaitIfFlood(ctx context.Context) error {
	for {
		waiting, remaining, err := f.IsUnderFloodWait(ctx)
		if err != nil {
			return err
		}
		if !waiting {
			return nil
		}
		f.log.Warn("waiting for flood clearance", "lane", f.lane, "remaining", remaining)
		if err := f.sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
