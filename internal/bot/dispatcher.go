package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"news_sniper/internal/model"
	"news_sniper/internal/protection"
	"news_sniper/internal/queue"
)

// NotificationSource yields queued notifications.
type NotificationSource interface {
	Pop(ctx context.Context, timeout time.Duration) (model.Notification, bool, error)
}

// Dispatcher delivers queued notifications to users, paced to the Bot API
// send rate.
type Dispatcher struct {
	api     telegramAPI
	src     NotificationSource
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
	timeout time.Duration
	log     *slog.Logger
}

// NewDispatcher creates a Dispatcher sending at most perSecond messages per second.
func NewDispatcher(api telegramAPI, src NotificationSource, perSecond float64, log *slog.Logger) *Dispatcher {
	if perSecond <= 0 {
		perSecond = 20
	}
	return &Dispatcher{
		api:     api,
		src:     src,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		sleep:   protection.Sleep,
		timeout: 5 * time.Second,
		log:     log,
	}
}

// Run drains the notification queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		n, ok, err := d.src.Pop(ctx, d.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var malformed *queue.MalformedError
			if errors.As(err, &malformed) {
				d.log.Warn("dropping malformed notification", "error", malformed.Err)
				continue
			}
			d.log.Error("pop notification", "error", err)
			_ = d.sleep(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		if err := d.Deliver(ctx, n); err != nil && ctx.Err() == nil {
			d.log.Error("deliver notification", "notification_id", n.ID, "user_id", n.UserID, "error", err)
		}
	}
}

// Deliver sends one notification. A flood-wait reply is honoured once before
// giving up; other failures are returned without retry.
func (d *Dispatcher) Deliver(ctx context.Context, n model.Notification) error {
	text := FormatNotification(n)
	err := d.SendMessage(ctx, n.UserID, text)
	if fw, ok := protection.AsFloodWait(err); ok {
		d.log.Warn("send rate exceeded, waiting", "user_id", n.UserID, "wait", fw.Wait)
		if err := d.sleep(ctx, fw.Wait); err != nil {
			return err
		}
		err = d.SendMessage(ctx, n.UserID, text)
	}
	if err != nil {
		return err
	}
	d.log.Debug("notification delivered", "notification_id", n.ID, "user_id", n.UserID, "matched_by", n.MatchedBy)
	return nil
}

// SendMessage sends a text message to the given chat.
func (d *Dispatcher) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := d.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", classify(err))
	}
	return nil
}
