package protection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionTTL = 30 * 24 * time.Hour

// Session is the persisted RateLimitState of one lane.
type Session struct {
	CreatedAt      time.Time    `json:"created_at"`
	FloodCount     int          `json:"flood_count"`
	LastFloodAt    *time.Time   `json:"last_flood_time,omitempty"`
	BackoffSeconds float64      `json:"backoff_seconds"`
	HealthStatus   HealthStatus `json:"status,omitempty"`
}

// AgeDays is the number of whole days between CreatedAt and now.
func (s Session) AgeDays(now time.Time) int {
	d := now.Sub(s.CreatedAt)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

const sessionUpdateAttempts = 5

// errSessionContended is returned when concurrent writers kept invalidating
// an update.
var errSessionContended = errors.New("session record contended")

// sessionStore reads and writes the session_info record of a lane. Writers
// go through update: mu orders the writers of this process and a WATCH
// transaction guards against other processes, so the flood handler and the
// health monitor never overwrite each other's fields.
type sessionStore struct {
	rdb *redis.Client
	key string

	mu sync.Mutex
}

func newSessionStore(rdb *redis.Client, lane string) *sessionStore {
	return &sessionStore{rdb: rdb, key: "session_info:" + lane}
}

// init creates the record on first run. An existing record is kept so the
// account age survives restarts.
func (s *sessionStore) init(ctx context.Context, now time.Time) (Session, error) {
	fresh := Session{CreatedAt: now.UTC(), HealthStatus: StatusHealthy}
	data, err := json.Marshal(fresh)
	if err != nil {
		return Session{}, fmt.Errorf("encode session: %w", err)
	}
	if err := s.rdb.SetNX(ctx, s.key, data, sessionTTL).Err(); err != nil {
		return Session{}, fmt.Errorf("init session: %w", err)
	}
	return s.load(ctx, now)
}

func (s *sessionStore) load(ctx context.Context, now time.Time) (Session, error) {
	return s.read(ctx, s.rdb, now)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *sessionStore) read(ctx context.Context, rdb getter, now time.Time) (Session, error) {
	raw, err := rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{CreatedAt: now.UTC()}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// update applies fn to the current record and stores the result, retrying
// when another writer changed the record in between.
func (s *sessionStore) update(ctx context.Context, now time.Time, fn func(*Session)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Session
	txf := func(tx *redis.Tx) error {
		sess, err := s.read(ctx, tx, now)
		if err != nil {
			return err
		}
		fn(&sess)
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, sessionTTL)
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}

	for range sessionUpdateAttempts {
		err := s.rdb.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("save session: %w", err)
		}
		return out, nil
	}
	return Session{}, errSessionContended
}
