package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sethvargo/go-retry"

	"news_sniper/internal/model"
	"news_sniper/internal/protection"
)

// Stream long-polls the Bot API for group and channel posts. It implements
// the lane's event source and its health probe.
type Stream struct {
	api     telegramAPI
	timeout int
	backoff time.Duration
	retries uint64
	log     *slog.Logger

	mu      sync.Mutex
	offset  int
	selfID  int64
	pending []model.StreamEvent
}

// NewStream creates a Stream over api.
func NewStream(api telegramAPI, log *slog.Logger) *Stream {
	return &Stream{
		api:     api,
		timeout: 30,
		backoff: 500 * time.Millisecond,
		retries: 3,
		log:     log,
	}
}

// Probe checks that the token is still accepted.
func (s *Stream) Probe(context.Context) error {
	me, err := s.api.GetMe()
	if err != nil {
		return fmt.Errorf("get me: %w", classify(err))
	}
	s.mu.Lock()
	s.selfID = me.ID
	s.mu.Unlock()
	return nil
}

// Next returns the next event, polling for more when none are buffered.
// Transient network errors are retried with exponential backoff; flood and
// authorization errors are returned to the lane immediately.
func (s *Stream) Next(ctx context.Context) (model.StreamEvent, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return model.StreamEvent{}, err
		}
		if err := s.poll(ctx); err != nil {
			return model.StreamEvent{}, err
		}
	}
}

func (s *Stream) poll(ctx context.Context) error {
	s.mu.Lock()
	cfg := tgbotapi.NewUpdate(s.offset)
	s.mu.Unlock()
	cfg.Timeout = s.timeout
	cfg.AllowedUpdates = []string{"message", "channel_post"}

	var updates []tgbotapi.Update
	b := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		got, err := s.api.GetUpdates(cfg)
		if err != nil {
			err = classify(err)
			if _, flood := protection.AsFloodWait(err); flood || errors.Is(err, protection.ErrUnauthorized) {
				return err
			}
			s.log.Warn("get updates failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		updates = got
		return nil
	})
	if err != nil {
		return fmt.Errorf("get updates: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if u.UpdateID >= s.offset {
			s.offset = u.UpdateID + 1
		}
		msg := u.Message
		if msg == nil {
			msg = u.ChannelPost
		}
		if msg == nil || msg.Chat == nil {
			continue
		}
		s.pending = append(s.pending, toEvent(msg, s.selfID))
	}
	return nil
}

func toEvent(msg *tgbotapi.Message, selfID int64) model.StreamEvent {
	ev := model.StreamEvent{
		ID:        int64(msg.MessageID),
		ChatID:    msg.Chat.ID,
		ChatTitle: msg.Chat.Title,
		Text:      msg.Text,
		Date:      msg.Time().UTC(),
		IsPrivate: msg.Chat.IsPrivate(),
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}
	switch {
	case msg.From != nil:
		ev.SenderID = msg.From.ID
		ev.IsSelf = selfID != 0 && msg.From.ID == selfID
	case msg.SenderChat != nil:
		ev.SenderID = msg.SenderChat.ID
	}
	if n := len(msg.Photo); n > 0 {
		ev.PhotoRef = msg.Photo[n-1].FileID
	}
	return ev
}
