package matcher

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"news_sniper/internal/model"
)

// NormalizeText lowercases text and keeps only letters, digits, whitespace
// and the symbols $ # @ . -; everything else becomes a space. Runs of spaces
// are collapsed.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			b.WriteRune(r)
		case strings.ContainsRune("$#@.-", r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

const (
	wordLead   = `(?:^|[^\p{L}\p{N}_])`
	wordTrail  = `(?:[^\p{L}\p{N}_]|$)`
	spaceLead  = `(?:^|\s)`
	spaceTrail = `(?:\s|$)`
	metaChars  = `.^$*+?{}[]\|()`
)

// subject is a message text in the two forms patterns match against.
type subject struct {
	normalized string
	// lowered keeps every symbol, for literal keywords.
	lowered string
}

func newSubject(text string) subject {
	return subject{normalized: NormalizeText(text), lowered: strings.ToLower(text)}
}

// pattern matches one keyword. Compiled patterns see normalized text;
// literals are matched verbatim against the lowercased original.
type pattern struct {
	re      *regexp.Regexp
	literal string
}

func (p pattern) match(s subject) bool {
	if p.re != nil {
		return p.re.MatchString(s.normalized)
	}
	return strings.Contains(s.lowered, p.literal)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// hasPatternSyntax reports whether kw should be treated as a user-supplied
// regular expression. A leading cashtag, hashtag or mention symbol does not
// count.
func hasPatternSyntax(kw string) bool {
	body := strings.TrimLeft(kw, "$#@")
	return strings.ContainsAny(body, metaChars)
}

// compileKeyword builds the matcher for one keyword. Word-like edges get word
// boundaries; symbol edges get whitespace boundaries so "$btc" still matches
// after a space but not inside "ar$btc". Keywords with pattern syntax are
// compiled as-is and fall back to literal substring matching of the whole
// keyword when invalid.
func compileKeyword(kw string) (pattern, bool) {
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return pattern{}, false
	}
	if hasPatternSyntax(kw) {
		re, err := regexp.Compile("(?i)" + kw)
		if err != nil {
			return pattern{literal: kw}, true
		}
		return pattern{re: re}, true
	}

	runes := []rune(kw)
	lead, trail := spaceLead, spaceTrail
	if isWordRune(runes[0]) {
		lead = wordLead
	}
	if isWordRune(runes[len(runes)-1]) {
		trail = wordTrail
	}
	return pattern{re: regexp.MustCompile(lead + regexp.QuoteMeta(kw) + trail)}, true
}

// compiledRule is the cached, ready-to-evaluate form of a UserRule.
type compiledRule struct {
	ruleID      int64
	userID      int64
	fingerprint string
	mustHave    []pattern
	mustNotHave []pattern
	sources     []int64
}

func fingerprint(r model.UserRule) string {
	return fmt.Sprintf("%d|%q|%q|%v", r.UpdatedAt.UnixNano(), r.MustHave, r.MustNotHave, r.SourceIDs)
}

func compileRule(r model.UserRule) *compiledRule {
	c := &compiledRule{
		ruleID:      r.ID,
		userID:      r.UserID,
		fingerprint: fingerprint(r),
		sources:     slices.Clone(r.SourceIDs),
	}
	for _, kw := range r.MustHave {
		if p, ok := compileKeyword(kw); ok {
			c.mustHave = append(c.mustHave, p)
		}
	}
	for _, kw := range r.MustNotHave {
		if p, ok := compileKeyword(kw); ok {
			c.mustNotHave = append(c.mustNotHave, p)
		}
	}
	return c
}

// matches evaluates the rule against a prepared message text.
func (c *compiledRule) matches(text subject, sourceID int64) bool {
	if len(c.sources) > 0 && !slices.Contains(c.sources, sourceID) {
		return false
	}
	for _, p := range c.mustNotHave {
		if p.match(text) {
			return false
		}
	}
	if len(c.mustHave) == 0 {
		return true
	}
	for _, p := range c.mustHave {
		if p.match(text) {
			return true
		}
	}
	return false
}
