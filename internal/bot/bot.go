// Package bot adapts the Telegram Bot API to the pipeline: a lane's inbound
// stream and health probe, and the outbound notification dispatcher.
package bot

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"news_sniper/internal/protection"
)

type telegramAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetMe() (tgbotapi.User, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewAPI connects to the Bot API with the given token.
func NewAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", classify(err))
	}
	return api, nil
}

// classify maps Bot API errors onto the protection error values: a 429 with
// retry_after becomes *protection.FloodWaitError and a 401 wraps
// protection.ErrUnauthorized.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.RetryAfter > 0 || apiErr.Code == http.StatusTooManyRequests:
		wait := time.Duration(apiErr.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		return fmt.Errorf("%s: %w", apiErr.Message, &protection.FloodWaitError{Wait: wait})
	case apiErr.Code == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", apiErr.Message, protection.ErrUnauthorized)
	default:
		return err
	}
}
