package protection

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures a Guard. Zero values fall back to the package defaults.
type Options struct {
	Schedule Schedule
	Delay    DelayPolicy
	Flood    FloodPolicy

	// Now, Sleep and Rand are overridden in tests.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
	Rand  *rand.Rand
}

// Guard bundles the protection components of one lane. It is created per lane
// and passed to the lane's listener explicitly.
type Guard struct {
	Lane    string
	Limiter *RateLimiter
	Flood   *FloodHandler
	Health  *HealthMonitor

	// Now and Sleep are the clock shared by the lane's components.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// NewGuard wires the rate limiter, flood handler and health monitor of a lane
// over a shared Redis client.
func NewGuard(rdb *redis.Client, lane string, prober Prober, opts Options, log *slog.Logger) *Guard {
	if opts.Schedule == nil {
		opts.Schedule = DefaultSchedule
	}
	if opts.Delay == (DelayPolicy{}) {
		opts.Delay = DefaultDelayPolicy
	}
	if opts.Flood == (FloodPolicy{}) {
		opts.Flood = DefaultFloodPolicy
	}
	if opts.Flood.Initial <= 0 {
		opts.Flood.Initial = DefaultFloodPolicy.Initial
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	rng := newLockedRand(opts.Rand)
	sessions := newSessionStore(rdb, lane)

	limiter := &RateLimiter{
		rdb:      rdb,
		lane:     lane,
		schedule: opts.Schedule,
		delay:    opts.Delay,
		sessions: sessions,
		now:      opts.Now,
		rng:      rng,
		log:      log,
	}
	flood := &FloodHandler{
		rdb:      rdb,
		lane:     lane,
		key:      "flood_wait:" + lane,
		policy:   opts.Flood,
		sessions: sessions,
		now:      opts.Now,
		sleep:    opts.Sleep,
		rng:      rng,
		log:      log,
	}
	health := &HealthMonitor{
		rdb:      rdb,
		lane:     lane,
		prober:   prober,
		flood:    flood,
		sessions: sessions,
		now:      opts.Now,
		log:      log,
	}
	return &Guard{
		Lane:    lane,
		Limiter: limiter,
		Flood:   flood,
		Health:  health,
		Now:     opts.Now,
		Sleep:   opts.Sleep,
	}
}
