package filter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"news_sniper/internal/aiclient"
	"news_sniper/internal/model"
)

// ErrScorerUnavailable is returned by a Scorer that could not produce a usable
// score. The engine answers it by switching to the fallback scorer.
var ErrScorerUnavailable = errors.New("scorer unavailable")

// ScoreRequest is the context handed to a Scorer.
type ScoreRequest struct {
	Text        string
	SourceTitle string
	Keywords    model.KeywordResult
	Content     model.ContentResult
}

// Scorer produces the Layer 3 score for a message that passed Layers 1 and 2.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (model.AIScore, error)
}

// FallbackScorer derives a deterministic score from the Layer 1 and 2 results.
type FallbackScorer struct {
	Threshold float64
}

// Score implements Scorer. It never fails.
func (f FallbackScorer) Score(_ context.Context, req ScoreRequest) (model.AIScore, error) {
	threshold := f.Threshold
	if threshold == 0 {
		threshold = 50
	}
	base := float64(len(req.Keywords.Matches)) * 15
	final := math.Min(base+req.Content.Quality*0.3, 100)
	return model.AIScore{
		Relevance:     math.Min(base, 100),
		Credibility:   req.Content.Credibility,
		MarketImpact:  math.Min(base*0.8, 100),
		FinalWeight:   final,
		ShouldInclude: final >= threshold,
		Reasoning:     "default scoring (AI unavailable)",
	}, nil
}

// Completer returns raw scoring output for a request.
type Completer interface {
	Score(ctx context.Context, req aiclient.ScoreRequest) (string, error)
}

// GatewayScorer scores messages through the external AI gateway.
type GatewayScorer struct {
	client   Completer
	fallback FallbackScorer
}

// NewGatewayScorer wraps an AI gateway client. Fields missing from an
// otherwise usable response are filled from fallback.
func NewGatewayScorer(client Completer, fallback FallbackScorer) *GatewayScorer {
	return &GatewayScorer{client: client, fallback: fallback}
}

// Score implements Scorer.
func (g *GatewayScorer) Score(ctx context.Context, req ScoreRequest) (model.AIScore, error) {
	raw, err := g.client.Score(ctx, aiclient.ScoreRequest{
		Text:        truncate(req.Text, 500),
		SourceTitle: req.SourceTitle,
		Layer1:      req.Keywords,
		Layer2:      req.Content,
	})
	if err != nil {
		return model.AIScore{}, fmt.Errorf("%w: %w", ErrScorerUnavailable, err)
	}
	defaults, _ := g.fallback.Score(ctx, req)
	return ParseScore(raw, defaults)
}

type wireScore struct {
	Relevance     *float64 `json:"relevance_score"`
	Credibility   *float64 `json:"credibility_score"`
	MarketImpact  *float64 `json:"market_impact"`
	FinalWeight   *float64 `json:"final_weight"`
	ShouldInclude *bool    `json:"should_include"`
	Reasoning     *string  `json:"reasoning"`
}

// ParseScore decodes scorer output, tolerating a surrounding code fence.
// final_weight and should_include are required; any other missing field is
// taken from defaults.
func ParseScore(raw string, defaults model.AIScore) (model.AIScore, error) {
	var w wireScore
	if err := json.Unmarshal([]byte(stripFence(raw)), &w); err != nil {
		return model.AIScore{}, fmt.Errorf("%w: decode response: %w", ErrScorerUnavailable, err)
	}
	if w.FinalWeight == nil || w.ShouldInclude == nil {
		return model.AIScore{}, fmt.Errorf("%w: response lacks final_weight or should_include", ErrScorerUnavailable)
	}

	s := defaults
	s.FinalWeight = clamp(*w.FinalWeight)
	s.ShouldInclude = *w.ShouldInclude
	if w.Relevance != nil {
		s.Relevance = clamp(*w.Relevance)
	}
	if w.Credibility != nil {
		s.Credibility = clamp(*w.Credibility)
	}
	if w.MarketImpact != nil {
		s.MarketImpact = clamp(*w.MarketImpact)
	}
	if w.Reasoning != nil {
		s.Reasoning = *w.Reasoning
	}
	return s, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(v, 100))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
