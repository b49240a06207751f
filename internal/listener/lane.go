package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"news_sniper/internal/model"
	"news_sniper/internal/protection"
)

// ErrLaneStopped is returned by Lane.Run when the account health check
// reports danger.
var ErrLaneStopped = errors.New("lane stopped: account health is danger")

// Stream yields inbound events for one lane. Next blocks until an event is
// available. A *protection.FloodWaitError asks the lane to pause.
type Stream interface {
	Next(ctx context.Context) (model.StreamEvent, error)
}

// Lane runs one account's ingestion loop.
type Lane struct {
	stream      Stream
	listener    *Listener
	guard       *protection.Guard
	healthEvery time.Duration
	recheck     time.Duration
	log         *slog.Logger
}

// NewLane creates a Lane reading from stream and admitting through listener.
func NewLane(stream Stream, listener *Listener, healthEvery, recheck time.Duration, log *slog.Logger) *Lane {
	if healthEvery <= 0 {
		healthEvery = 6 * time.Hour
	}
	if recheck <= 0 {
		recheck = time.Minute
	}
	return &Lane{
		stream:      stream,
		listener:    listener,
		guard:       listener.guard,
		healthEvery: healthEvery,
		recheck:     recheck,
		log:         log.With("lane", listener.guard.Lane),
	}
}

// Run processes events until ctx is cancelled or the account health turns
// to danger. It returns nil on cancellation and ErrLaneStopped on danger.
func (l *Lane) Run(ctx context.Context) error {
	if err := l.guard.Limiter.Init(ctx); err != nil {
		return fmt.Errorf("init lane: %w", err)
	}
	if l.guard.Health.CheckHealth(ctx).Status == protection.StatusDanger {
		return ErrLaneStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	stopped := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(stopped)
			cancel()
		})
	}

	go l.monitor(ctx, stop)
	l.log.Info("lane started", "age_days", l.guard.Limiter.AgeDays(), "limits", l.guard.Limiter.Limits())
	l.consume(ctx, stop)

	select {
	case <-stopped:
		l.log.Error("lane stopped by health check")
		return ErrLaneStopped
	default:
		return nil
	}
}

func (l *Lane) monitor(ctx context.Context, stop func()) {
	ticker := time.NewTicker(l.healthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.guard.Health.CheckHealth(ctx).Status == protection.StatusDanger {
				stop()
				return
			}
		}
	}
}

func (l *Lane) consume(ctx context.Context, stop func()) {
	for ctx.Err() == nil {
		if err := l.guard.Flood.WaitIfFlood(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Error("check flood wait", "error", err)
			_ = l.guard.Sleep(ctx, l.recheck)
			continue
		}

		ev, err := l.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if fw, ok := protection.AsFloodWait(err); ok {
				if _, err := l.guard.Flood.HandleFlood(ctx, fw.Wait); err != nil {
					l.log.Error("record flood wait", "error", err)
					_ = l.guard.Sleep(ctx, fw.Wait)
				}
				continue
			}
			if errors.Is(err, protection.ErrUnauthorized) {
				if l.guard.Health.CheckHealth(ctx).Status == protection.StatusDanger {
					stop()
					return
				}
			}
			l.log.Error("receive event", "error", err)
			_ = l.guard.Sleep(ctx, l.recheck)
			continue
		}

		l.deliver(ctx, ev)
	}
}

// deliver offers ev to the listener until it is admitted, re-checking the rate
// limit every recheck interval. Other failures drop the event.
func (l *Lane) deliver(ctx context.Context, ev model.StreamEvent) {
	for {
		err := l.listener.Handle(ctx, ev)
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrDeferred):
			l.log.Debug("message deferred", "source_id", ev.ChatID, "message_id", ev.ID, "recheck", l.recheck)
			if l.guard.Sleep(ctx, l.recheck) != nil {
				return
			}
			if l.guard.Flood.WaitIfFlood(ctx) != nil {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			l.log.Error("handle event", "source_id", ev.ChatID, "message_id", ev.ID, "error", err)
			return
		}
	}
}
