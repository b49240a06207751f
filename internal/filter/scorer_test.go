package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"news_sniper/internal/aiclient"
	"news_sniper/internal/model"
)

func TestParseScore(t *testing.T) {
	defaults := model.AIScore{Relevance: 30, Credibility: 60, MarketImpact: 24, FinalWeight: 40, ShouldInclude: false, Reasoning: "default"}

	tests := []struct {
		name    string
		raw     string
		want    model.AIScore
		wantErr bool
	}{
		{
			name: "complete json",
			raw:  `{"relevance_score":85,"credibility_score":70,"market_impact":75,"final_weight":82,"should_include":true,"reasoning":"breakout"}`,
			want: model.AIScore{Relevance: 85, Credibility: 70, MarketImpact: 75, FinalWeight: 82, ShouldInclude: true, Reasoning: "breakout"},
		},
		{
			name: "fenced json",
			raw:  "Here you go:\n```json\n{\"final_weight\": 60, \"should_include\": true, \"reasoning\": \"ok\"}\n```",
			want: model.AIScore{Relevance: 30, Credibility: 60, MarketImpact: 24, FinalWeight: 60, ShouldInclude: true, Reasoning: "ok"},
		},
		{
			name: "partial fields filled from defaults",
			raw:  `{"final_weight": 55, "should_include": false}`,
			want: model.AIScore{Relevance: 30, Credibility: 60, MarketImpact: 24, FinalWeight: 55, ShouldInclude: false, Reasoning: "default"},
		},
		{
			name: "out of range values clamped",
			raw:  `{"relevance_score": 140, "final_weight": -5, "should_include": true}`,
			want: model.AIScore{Relevance: 100, Credibility: 60, MarketImpact: 24, FinalWeight: 0, ShouldInclude: true, Reasoning: "default"},
		},
		{name: "missing final weight", raw: `{"should_include": true}`, wantErr: true},
		{name: "missing decision", raw: `{"final_weight": 90}`, wantErr: true},
		{name: "not json", raw: "I think this is important news.", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScore(tt.raw, defaults)
			if tt.wantErr {
				if !errors.Is(err, ErrScorerUnavailable) {
					t.Fatalf("expected ErrScorerUnavailable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseScore() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFallbackScorer(t *testing.T) {
	req := ScoreRequest{
		Keywords: model.KeywordResult{Matches: map[string][]string{"ticker": {"BTC"}, "event": {"listing"}, "exchange": {"binance"}}},
		Content:  model.ContentResult{Quality: 50, Credibility: 95},
	}
	got, err := FallbackScorer{}.Score(context.Background(), req)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	want := model.AIScore{
		Relevance:     45,
		Credibility:   95,
		MarketImpact:  36,
		FinalWeight:   60,
		ShouldInclude: true,
		Reasoning:     "default scoring (AI unavailable)",
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("fallback mismatch (-want +got):\n%s", diff)
	}
}

type stubCompleter struct {
	raw string
	err error
	req aiclient.ScoreRequest
}

func (s *stubCompleter) Score(_ context.Context, req aiclient.ScoreRequest) (string, error) {
	s.req = req
	return s.raw, s.err
}

func TestGatewayScorer(t *testing.T) {
	req := ScoreRequest{
		Text:        "BTC breaks $95,000 resistance, bullish breakout",
		SourceTitle: "Crypto Daily",
		Keywords:    model.KeywordResult{Matches: map[string][]string{"ticker": {"BTC"}}, Relevance: 20},
		Content:     model.ContentResult{Quality: 35, Credibility: 60},
	}

	t.Run("network failure is scorer unavailable", func(t *testing.T) {
		g := NewGatewayScorer(&stubCompleter{err: errors.New("timeout")}, FallbackScorer{})
		if _, err := g.Score(context.Background(), req); !errors.Is(err, ErrScorerUnavailable) {
			t.Errorf("expected ErrScorerUnavailable, got %v", err)
		}
	})

	t.Run("response parsed", func(t *testing.T) {
		c := &stubCompleter{raw: `{"final_weight": 82, "should_include": true}`}
		g := NewGatewayScorer(c, FallbackScorer{})
		got, err := g.Score(context.Background(), req)
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		if diff := cmp.Diff(82.0, got.FinalWeight); diff != "" {
			t.Errorf("final weight mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(60.0, got.Credibility); diff != "" {
			t.Errorf("credibility default mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff("Crypto Daily", c.req.SourceTitle); diff != "" {
			t.Errorf("forwarded source mismatch (-want +got):\n%s", diff)
		}
	})
}
