// Package queue implements FIFO message queues on Redis lists.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// Well-known queue keys.
const (
	RawKey          = "queue:raw_messages"
	NotificationKey = "queue:notifications"
)

// MalformedError reports a queue payload that could not be decoded or failed
// validation. The payload is dropped.
type MalformedError struct {
	Payload string
	Err     error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed queue payload: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Validator is implemented by payload types that can reject themselves after
// decoding.
type Validator interface {
	Validate() error
}

// Queue is an at-least-once FIFO of JSON-encoded T values. Producers LPUSH and
// consumers BRPOP, so there is no acknowledgement step.
type Queue[T any] struct {
	rdb        *redis.Client
	key        string
	log        *slog.Logger
	maxRetries uint64
	base       time.Duration
}

// New returns a queue stored under key.
func New[T any](rdb *redis.Client, key string, log *slog.Logger) *Queue[T] {
	return &Queue[T]{
		rdb:        rdb,
		key:        key,
		log:        log,
		maxRetries: 3,
		base:       100 * time.Millisecond,
	}
}

// Push appends v to the tail of the queue, retrying transient failures with
// exponential backoff.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	b := retry.WithMaxRetries(q.maxRetries, retry.NewExponential(q.base))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
			q.log.Warn("queue push failed, retrying", "queue", q.key, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push to %s: %w", q.key, err)
	}
	return nil
}

// Pop blocks up to timeout for the next value. ok is false when the timeout
// elapsed with the queue empty. A payload that cannot be decoded is removed
// from the queue and reported as *MalformedError.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (v T, ok bool, err error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("pop from %s: %w", q.key, err)
	}
	if len(res) != 2 {
		return v, false, fmt.Errorf("pop from %s: unexpected reply %v", q.key, res)
	}

	payload := res[1]
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return v, false, &MalformedError{Payload: payload, Err: err}
	}
	if val, isValidator := any(&v).(Validator); isValidator {
		if err := val.Validate(); err != nil {
			return v, false, &MalformedError{Payload: payload, Err: err}
		}
	}
	return v, true, nil
}

// Len returns the number of queued values.
func (q *Queue[T]) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", q.key, err)
	}
	return n, nil
}
