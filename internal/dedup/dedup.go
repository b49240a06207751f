// Package dedup derives content hashes and canonical records for accepted
// messages and archives records past their retention window.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"news_sniper/internal/model"
)

// Normalize lowercases text and collapses every run of whitespace into a
// single space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// ContentHash returns the hex SHA-256 of the normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Policy controls how much text a canonical record keeps.
type Policy struct {
	// ImportantWeight is the final weight at which the full text is stored.
	ImportantWeight float64
	SummaryMaxChars int
}

// DefaultPolicy keeps full text from weight 70 and 500-character summaries.
var DefaultPolicy = Policy{ImportantWeight: 70, SummaryMaxChars: 500}

// BuildRecord projects an accepted envelope and its verdict into a canonical
// record candidate.
func BuildRecord(env model.RawEnvelope, v model.FilterVerdict, p Policy) *model.NewsRecord {
	rec := &model.NewsRecord{
		ContentHash:  ContentHash(env.Text),
		SourceID:     env.SourceID,
		SourceName:   env.SourceTitle,
		MessageID:    env.MessageID,
		Summary:      Summarize(env.Text, p.SummaryMaxChars),
		Keywords:     v.Keywords.Matches,
		Relevance:    v.Keywords.Relevance,
		Quality:      v.Content.Quality,
		Sentiment:    v.Content.Sentiment,
		Urgency:      v.Content.Urgency,
		Credibility:  v.Content.Credibility,
		AIRelevance:  v.AI.Relevance,
		AICredible:   v.AI.Credibility,
		MarketImpact: v.AI.MarketImpact,
		FinalWeight:  v.FinalWeight,
		AIReasoning:  v.AI.Reasoning,
		Permalink:    env.Permalink,
		MediaRef:     env.MediaRef,
		Tags:         env.Tags,
		FirstSeenAt:  env.Timestamp,
		LastSeenAt:   env.Timestamp,
	}
	if v.FinalWeight >= p.ImportantWeight {
		text := env.Text
		rec.FullText = &text
	}
	return rec
}

// Summarize trims text to at most maxChars characters, cutting at the last
// word boundary when one is close enough.
func Summarize(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	r := []rune(text)[:maxChars-1]
	cut := string(r)
	if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)*3/4 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
