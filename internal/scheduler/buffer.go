package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"news_sniper/internal/model"
)

// Buffer keeps a time-ordered, retention-bounded list of accepted messages
// per tag in Redis sorted sets scored by message time.
type Buffer struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewBuffer creates a Buffer that keeps messages for retention.
func NewBuffer(rdb *redis.Client, retention time.Duration) *Buffer {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Buffer{rdb: rdb, retention: retention}
}

func bufferKey(tag string) string {
	return "analysis_buffer:" + tag
}

// Add appends env to the buffer of each of its tags and trims entries older
// than the retention window.
func (b *Buffer) Add(ctx context.Context, env model.RawEnvelope) error {
	member, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode buffered message: %w", err)
	}
	tags := env.Tags
	if len(tags) == 0 {
		tags = []string{model.TagNormal}
	}
	score := float64(env.Timestamp.UnixMilli())
	floor := strconv.FormatInt(env.Timestamp.Add(-b.retention).UnixMilli(), 10)

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tag := range tags {
			key := bufferKey(tag)
			pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+floor)
			pipe.Expire(ctx, key, b.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("buffer message: %w", err)
	}
	return nil
}

// Since returns the buffered messages of any of tags with a timestamp at or
// after since, oldest first. A message carrying several tags is returned once.
func (b *Buffer) Since(ctx context.Context, tags []string, since time.Time) ([]model.RawEnvelope, error) {
	type key struct{ source, message int64 }
	seen := make(map[key]bool)
	var out []model.RawEnvelope

	from := strconv.FormatInt(since.UnixMilli(), 10)
	for _, tag := range tags {
		raw, err := b.rdb.ZRangeByScore(ctx, bufferKey(tag), &redis.ZRangeBy{Min: from, Max: "+inf"}).Result()
		if err != nil {
			return nil, fmt.Errorf("read buffer %s: %w", tag, err)
		}
		for _, r := range raw {
			var env model.RawEnvelope
			if err := json.Unmarshal([]byte(r), &env); err != nil {
				continue
			}
			k := key{env.SourceID, env.MessageID}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, env)
		}
	}
	slices.SortStableFunc(out, func(a, b model.RawEnvelope) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}
