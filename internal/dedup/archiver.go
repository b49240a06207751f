package dedup

import (
	"context"
	"log/slog"
	"time"
)

// ArchiveStore moves stale canonical records into the archive.
type ArchiveStore interface {
	ArchiveOlderThan(ctx context.Context, cutoff, at time.Time) (int, error)
}

// Archiver periodically archives canonical records older than the retention
// window.
type Archiver struct {
	store     ArchiveStore
	retention time.Duration
	tick      time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewArchiver creates an Archiver sweeping every tick.
func NewArchiver(store ArchiveStore, retention, tick time.Duration, log *slog.Logger) *Archiver {
	if tick <= 0 {
		tick = time.Hour
	}
	return &Archiver{
		store:     store,
		retention: retention,
		tick:      tick,
		now:       time.Now,
		log:       log,
	}
}

// Sweep archives everything older than the retention window and returns the
// number of records moved.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	now := a.now().UTC()
	n, err := a.store.ArchiveOlderThan(ctx, now.Add(-a.retention), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.log.Info("archived stale news", "count", n, "retention", a.retention)
	}
	return n, nil
}

// Run sweeps once and then on every tick, blocking until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.sweep(ctx)

	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Archiver) sweep(ctx context.Context) {
	if _, err := a.Sweep(ctx); err != nil {
		a.log.Error("archive sweep", "error", err)
	}
}
