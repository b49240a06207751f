package filter

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"news_sniper/internal/model"
)

var (
	linkRe    = regexp.MustCompile(`https?://`)
	bullishRe = regexp.MustCompile(`(?i)\b(?:moon|rocket|bull|pump|surge|boom|lambo|amazing|opportunity|bullish)\b|📈`)
	bearishRe = regexp.MustCompile(`(?i)\b(?:crash|dump|bear|bearish|fear|rug|rekt|caution|warning|danger)\b|📉`)

	breakingRe  = regexp.MustCompile(`(?i)\b(?:breaking|urgent|asap|just|now|happening|live|alert)\b|⚠️|🚨`)
	importantRe = regexp.MustCompile(`(?i)\b(?:important|attention|note|fyi|heads.*up|announcement|update)\b`)
)

var (
	verifiedSources = []string{
		"bloomberg", "reuters", "cnbc", "cointelegraph", "coindesk", "theblock",
		"decrypt", "messari", "arkham", "chainalysis", "on-chain", "glassnode",
	}
	recognizedSources = []string{
		"crypto", "defi", "nft", "web3", "blockchain", "ethereum", "bitcoin", "digital", "token",
	}
)

// AnalyzeContent computes the Layer 2 quality, sentiment, urgency and
// credibility of a message.
func AnalyzeContent(text, sourceTitle string) model.ContentResult {
	length := utf8.RuneCountInString(text)
	var lengthScore float64
	switch {
	case length < 30:
		lengthScore = 20
	case length > 500:
		lengthScore = 100
	default:
		lengthScore = 40 + float64(length)/500*60
	}

	links := len(linkRe.FindAllStringIndex(text, -1))
	linkScore := math.Min(float64(links)*15, 100)

	sentiment, confidence := analyzeSentiment(text)

	return model.ContentResult{
		Quality:             math.Min((lengthScore+linkScore+confidence)/3, 100),
		LengthScore:         lengthScore,
		LinkCount:           links,
		Sentiment:           sentiment,
		SentimentConfidence: confidence,
		Urgency:             analyzeUrgency(text),
		Credibility:         analyzeCredibility(sourceTitle, links),
	}
}

func analyzeSentiment(text string) (model.Sentiment, float64) {
	bull := len(bullishRe.FindAllStringIndex(text, -1))
	bear := len(bearishRe.FindAllStringIndex(text, -1))
	switch {
	case bull > bear:
		return model.SentimentBullish, math.Min(40+20*float64(bull), 100)
	case bear > bull:
		return model.SentimentBearish, math.Min(40+20*float64(bear), 100)
	default:
		return model.SentimentNeutral, 50
	}
}

func analyzeUrgency(text string) model.Urgency {
	switch {
	case breakingRe.MatchString(text):
		return model.UrgencyBreaking
	case importantRe.MatchString(text):
		return model.UrgencyImportant
	default:
		return model.UrgencyRegular
	}
}

func analyzeCredibility(sourceTitle string, links int) float64 {
	title := strings.ToLower(sourceTitle)
	for _, s := range verifiedSources {
		if strings.Contains(title, s) {
			if links <= 2 {
				return 95
			}
			return 80
		}
	}
	for _, s := range recognizedSources {
		if strings.Contains(title, s) {
			return math.Min(60+5*float64(links), 100)
		}
	}
	return math.Min(30+5*float64(links), 100)
}
