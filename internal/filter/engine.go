// Package filter implements the three-layer message filter: keyword
// relevance, content quality and external scoring.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"news_sniper/internal/model"
)

// Thresholds are the per-layer cut-offs.
type Thresholds struct {
	MinRelevance float64
	MinQuality   float64
	FinalWeight  float64
}

// DefaultThresholds are used for any zero field.
var DefaultThresholds = Thresholds{MinRelevance: 15, MinQuality: 25, FinalWeight: 50}

// Engine runs envelopes through the filter layers, stopping at the first
// rejection.
type Engine struct {
	scorer     Scorer
	fallback   FallbackScorer
	thresholds Thresholds
	now        func() time.Time
	log        *slog.Logger
}

// NewEngine creates an Engine. A nil scorer means every message is scored by
// the fallback scorer.
func NewEngine(scorer Scorer, th Thresholds, log *slog.Logger) *Engine {
	if th.MinRelevance == 0 {
		th.MinRelevance = DefaultThresholds.MinRelevance
	}
	if th.MinQuality == 0 {
		th.MinQuality = DefaultThresholds.MinQuality
	}
	if th.FinalWeight == 0 {
		th.FinalWeight = DefaultThresholds.FinalWeight
	}
	return &Engine{
		scorer:     scorer,
		fallback:   FallbackScorer{Threshold: th.FinalWeight},
		thresholds: th,
		now:        time.Now,
		log:        log,
	}
}

// Evaluate produces the verdict for env. It never fails: scorer errors are
// absorbed by the fallback scorer.
func (e *Engine) Evaluate(ctx context.Context, env model.RawEnvelope) model.FilterVerdict {
	v := model.FilterVerdict{
		SourceID:    env.SourceID,
		MessageID:   env.MessageID,
		EvaluatedAt: e.now().UTC(),
	}

	if IsSpam(env.Text) {
		v.Layer1 = model.LayerRejectedSpam
		v.Reason = "spam pattern"
		return v
	}
	v.Keywords = MatchKeywords(env.Text)
	if v.Keywords.Relevance < e.thresholds.MinRelevance {
		v.Layer1 = model.LayerRejectedLow
		v.Reason = fmt.Sprintf("relevance %.1f below %.1f", v.Keywords.Relevance, e.thresholds.MinRelevance)
		return v
	}
	v.Layer1 = model.LayerPassed

	v.Content = AnalyzeContent(env.Text, env.SourceTitle)
	if v.Content.Quality < e.thresholds.MinQuality {
		v.Layer2 = model.LayerRejectedQual
		v.Reason = fmt.Sprintf("quality %.1f below %.1f", v.Content.Quality, e.thresholds.MinQuality)
		return v
	}
	v.Layer2 = model.LayerPassed

	req := ScoreRequest{
		Text:        env.Text,
		SourceTitle: env.SourceTitle,
		Keywords:    v.Keywords,
		Content:     v.Content,
	}
	v.AI, v.Layer3 = e.score(ctx, req, env)

	v.FinalWeight = v.AI.FinalWeight
	v.Include = v.AI.ShouldInclude && v.FinalWeight >= e.thresholds.FinalWeight
	if !v.Include {
		v.Reason = fmt.Sprintf("final weight %.1f, include=%t", v.FinalWeight, v.AI.ShouldInclude)
	}
	return v
}

func (e *Engine) score(ctx context.Context, req ScoreRequest, env model.RawEnvelope) (model.AIScore, model.LayerStatus) {
	if e.scorer != nil {
		s, err := e.scorer.Score(ctx, req)
		if err == nil {
			return s, model.LayerScored
		}
		level := slog.LevelWarn
		if !errors.Is(err, ErrScorerUnavailable) {
			level = slog.LevelError
		}
		e.log.Log(ctx, level, "scorer failed, using fallback",
			"source_id", env.SourceID,
			"message_id", env.MessageID,
			"error", err,
		)
	}
	s, _ := e.fallback.Score(ctx, req)
	return s, model.LayerScoredFallback
}
