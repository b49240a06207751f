// Package pipeline consumes the raw queue and runs each envelope through the
// filter engine, the dedup store, the rule matcher and the tag buffer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"news_sniper/internal/dedup"
	"news_sniper/internal/matcher"
	"news_sniper/internal/model"
	"news_sniper/internal/queue"
	"news_sniper/internal/storage"
)

// Source yields raw envelopes.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (model.RawEnvelope, bool, error)
}

// Evaluator is the filter engine.
type Evaluator interface {
	Evaluate(ctx context.Context, env model.RawEnvelope) model.FilterVerdict
}

// NewsStore persists canonical records.
type NewsStore interface {
	UpsertNews(ctx context.Context, rec *model.NewsRecord) (storage.UpsertResult, error)
}

// FanOuter matches accepted messages against user rules.
type FanOuter interface {
	FanOut(ctx context.Context, env model.RawEnvelope, v model.FilterVerdict) (matcher.FanOutResult, error)
}

// Buffer collects accepted messages for reports.
type Buffer interface {
	Add(ctx context.Context, env model.RawEnvelope) error
}

// Options configures a Pipeline.
type Options struct {
	Policy dedup.Policy
	// NotifyOnDuplicate runs rule matching for repeated content too.
	NotifyOnDuplicate bool
	RecentSize        int
	PopTimeout        time.Duration
}

// Outcome describes what happened to one envelope.
type Outcome struct {
	Verdict   model.FilterVerdict
	Stored    bool
	Duplicate bool
	FanOut    matcher.FanOutResult
}

// Pipeline is the raw queue consumer.
type Pipeline struct {
	src     Source
	engine  Evaluator
	store   NewsStore
	matcher FanOuter
	buffer  Buffer
	opts    Options
	recent  *lru.Cache[string, model.FilterVerdict]
	log     *slog.Logger
}

// New creates a Pipeline. matcher and buffer may be nil.
func New(src Source, engine Evaluator, store NewsStore, m FanOuter, buffer Buffer, opts Options, log *slog.Logger) (*Pipeline, error) {
	if opts.RecentSize <= 0 {
		opts.RecentSize = 500
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 5 * time.Second
	}
	if opts.Policy == (dedup.Policy{}) {
		opts.Policy = dedup.DefaultPolicy
	}
	recent, err := lru.New[string, model.FilterVerdict](opts.RecentSize)
	if err != nil {
		return nil, fmt.Errorf("create verdict cache: %w", err)
	}
	return &Pipeline{
		src:     src,
		engine:  engine,
		store:   store,
		matcher: m,
		buffer:  buffer,
		opts:    opts,
		recent:  recent,
		log:     log,
	}, nil
}

// Run consumes the source until ctx is cancelled. A failure on one message
// never stops the loop.
func (p *Pipeline) Run(ctx context.Context) {
	p.log.Info("pipeline started")
	for ctx.Err() == nil {
		env, ok, err := p.src.Pop(ctx, p.opts.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var malformed *queue.MalformedError
			if errors.As(err, &malformed) {
				malformedTotal.Inc()
				p.log.Warn("dropping malformed message", "error", malformed.Err, "payload", truncate(malformed.Payload, 200))
				continue
			}
			p.log.Error("pop raw message", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		p.Process(ctx, env)
	}
}

// Process runs one envelope through the whole pipeline.
func (p *Pipeline) Process(ctx context.Context, env model.RawEnvelope) Outcome {
	log := p.log.With("source_id", env.SourceID, "message_id", env.MessageID)

	v := p.engine.Evaluate(ctx, env)
	processedTotal.Inc()
	p.recent.Add(verdictKey(env.SourceID, env.MessageID), v)
	if v.Layer3 == model.LayerScoredFallback {
		fallbackTotal.Inc()
	}

	out := Outcome{Verdict: v}
	if !v.Include {
		layer, status := rejection(v)
		rejectedTotal.WithLabelValues(layer, status).Inc()
		log.Debug("message rejected", "layer", layer, "reason", v.Reason, "categories", v.Categories())
		return out
	}

	rec := dedup.BuildRecord(env, v, p.opts.Policy)
	log = log.With("content_hash", rec.ContentHash)
	res, err := p.store.UpsertNews(ctx, rec)
	if err != nil {
		failuresTotal.WithLabelValues("store").Inc()
		log.Error("store news", "error", err)
	} else {
		out.Stored = true
		out.Duplicate = res.Duplicate
		if res.Duplicate {
			duplicatesTotal.Inc()
			log.Debug("duplicate content", "occurrences", res.Occurrences)
		} else {
			savedTotal.Inc()
			log.Info("news saved", "weight", v.FinalWeight, "news_id", res.ID)
		}
	}

	if p.matcher != nil && (!out.Duplicate || p.opts.NotifyOnDuplicate) {
		fo, err := p.matcher.FanOut(ctx, env, v)
		if err != nil {
			failuresTotal.WithLabelValues("fanout").Inc()
			log.Error("fan out", "error", err)
		}
		out.FanOut = fo
		notificationsTotal.WithLabelValues("delivered").Add(float64(fo.Delivered))
		notificationsTotal.WithLabelValues("quiet").Add(float64(fo.Quiet))
		notificationsTotal.WithLabelValues("over_quota").Add(float64(fo.OverQuota))
		notificationsTotal.WithLabelValues("failed").Add(float64(fo.Failed))
	}

	if p.buffer != nil && !out.Duplicate {
		if err := p.buffer.Add(ctx, env); err != nil {
			failuresTotal.WithLabelValues("buffer").Inc()
			log.Error("buffer message", "error", err)
		}
	}
	return out
}

// Verdict returns the retained verdict of a recently processed message.
func (p *Pipeline) Verdict(sourceID, messageID int64) (model.FilterVerdict, bool) {
	return p.recent.Get(verdictKey(sourceID, messageID))
}

// Recent returns the retained verdicts, newest first.
func (p *Pipeline) Recent(limit int) []model.FilterVerdict {
	keys := p.recent.Keys()
	out := make([]model.FilterVerdict, 0, min(limit, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		if v, ok := p.recent.Peek(keys[i]); ok {
			out = append(out, v)
		}
	}
	return out
}

func verdictKey(sourceID, messageID int64) string {
	return fmt.Sprintf("%d:%d", sourceID, messageID)
}

func rejection(v model.FilterVerdict) (layer, status string) {
	switch {
	case v.Layer1 != model.LayerPassed:
		return "layer1", string(v.Layer1)
	case v.Layer2 != model.LayerPassed:
		return "layer2", string(v.Layer2)
	case !v.AI.ShouldInclude:
		return "layer3", "declined"
	default:
		return "layer3", "below_threshold"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
