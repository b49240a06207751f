package model

import (
	"maps"
	"slices"
	"time"
)

// LayerStatus is the outcome of one filter layer.
type LayerStatus string

// Layer outcomes.
const (
	LayerSkipped        LayerStatus = ""
	LayerPassed         LayerStatus = "passed"
	LayerRejectedSpam   LayerStatus = "rejected_spam"
	LayerRejectedLow    LayerStatus = "rejected_low_relevance"
	LayerRejectedQual   LayerStatus = "rejected_low_quality"
	LayerScored         LayerStatus = "scored"
	LayerScoredFallback LayerStatus = "scored_fallback"
)

// Sentiment is the polarity of a message.
type Sentiment string

// Sentiment values.
const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// Urgency is the urgency tier of a message.
type Urgency string

// Urgency tiers.
const (
	UrgencyBreaking  Urgency = "breaking"
	UrgencyImportant Urgency = "important"
	UrgencyRegular   Urgency = "regular"
)

// KeywordResult is the Layer 1 output.
type KeywordResult struct {
	Matches   map[string][]string `json:"matches"`
	Relevance float64             `json:"relevance_score"`
}

// ContentResult is the Layer 2 output.
type ContentResult struct {
	Quality             float64   `json:"quality_score"`
	LengthScore         float64   `json:"length_score"`
	LinkCount           int       `json:"link_count"`
	Sentiment           Sentiment `json:"sentiment"`
	SentimentConfidence float64   `json:"sentiment_confidence"`
	Urgency             Urgency   `json:"urgency"`
	Credibility         float64   `json:"credibility"`
}

// AIScore is the Layer 3 output.
type AIScore struct {
	Relevance     float64 `json:"relevance_score"`
	Credibility   float64 `json:"credibility_score"`
	MarketImpact  float64 `json:"market_impact"`
	FinalWeight   float64 `json:"final_weight"`
	ShouldInclude bool    `json:"should_include"`
	Reasoning     string  `json:"reasoning"`
}

// FilterVerdict is the full result of running an envelope through the engine.
type FilterVerdict struct {
	SourceID    int64
	MessageID   int64
	Layer1      LayerStatus
	Layer2      LayerStatus
	Layer3      LayerStatus
	Keywords    KeywordResult
	Content     ContentResult
	AI          AIScore
	FinalWeight float64
	Include     bool
	Reason      string
	EvaluatedAt time.Time
}

// Categories returns the matched keyword category names in sorted order.
func (v FilterVerdict) Categories() []string {
	if len(v.Keywords.Matches) == 0 {
		return []string{}
	}
	return slices.Sorted(maps.Keys(v.Keywords.Matches))
}

// NewsRecord is the canonical stored representation of a content hash.
type NewsRecord struct {
	ID           int64
	ContentHash  string
	SourceID     int64
	SourceName   string
	MessageID    int64
	Summary      string
	FullText     *string
	Keywords     map[string][]string
	Relevance    float64
	Quality      float64
	Sentiment    Sentiment
	Urgency      Urgency
	Credibility  float64
	AIRelevance  float64
	AICredible   float64
	MarketImpact float64
	FinalWeight  float64
	AIReasoning  string
	Permalink    string
	MediaRef     string
	Tags         []string
	Occurrences  int
	Views        int
	Forwards     int
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// DuplicateLink records one repeat occurrence of a canonical record.
type DuplicateLink struct {
	ID          int64
	ContentHash string
	NewsID      int64
	SourceID    int64
	MessageID   int64
	Similarity  float64
	CreatedAt   time.Time
}

// ArchiveRecord is the compact historical projection of a canonical record.
type ArchiveRecord struct {
	ContentHash       string
	Summary           string
	Occurrences       int
	FinalWeight       float64
	Sentiment         Sentiment
	ArchivedAt        time.Time
	OriginalCreatedAt time.Time
}
