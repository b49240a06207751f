package filter

import (
	"math"
	"regexp"

	"news_sniper/internal/model"
)

type category struct {
	name   string
	weight float64
	re     *regexp.Regexp
}

// categories are evaluated in this order; the order only affects logging.
var categories = []category{
	{"ticker", 20, regexp.MustCompile(`(?i)\$(?:BTC|ETH|SOL|XRP|ADA|BNB|DOGE|SHIB|LINK|MATIC|FTM|AVAX|NEAR|ARB|OP)\b|\b(?:BTC|ETH|SOL|XRP|ADA|BNB)\b`)},
	{"technical", 18, regexp.MustCompile(`(?i)\b(?:bull|bullish|bear|bearish|pump|dump|ath|atl|support|resistance|breakout|consolidation|moon|rocket|dip|hodl)\b`)},
	{"event", 15, regexp.MustCompile(`(?i)\b(?:listing|ido|presale|launch|airdrop|fork|upgrade|merge|burn|mint|stake|unstake|apy|apr)\b`)},
	{"defi", 15, regexp.MustCompile(`(?i)\b(?:defi|swap|yield|farming|liquidity|pool|lptoken|slippage|impermanent|uniswap|aave|curve|lido)\b`)},
	{"social", 10, regexp.MustCompile(`(?i)\b(?:trending|viral|twitter|reddit|discord|telegram|community|influencer|dyor|fud|hopium)\b`)},
	{"exchange", 12, regexp.MustCompile(`(?i)\b(?:binance|coinbase|kraken|bybit|okx|htx|gate|kucoin|dexos|uniswap|pancakeswap)\b`)},
	{"security", 18, regexp.MustCompile(`(?i)\b(?:exploit|hack|rug|scam|rugpull|honeypot|slashing|vulnerable)\b`)},
	{"narrative", 12, regexp.MustCompile(`(?i)\b(?:metaverse|web3|ai|nft|gaming|layer2|zk|rollup|bridge|oracle|dao)\b`)},
	{"onchain", 15, regexp.MustCompile(`(?i)\b(?:whale|onchain|on-chain|glassnode|chainalysis|inflow|outflow|accumulation|distribution)\b`)},
}

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:follow|subscribe|like|share|retweet|upvote|win|giveaway|contest)\b`),
	regexp.MustCompile(`(?i)pump.*group|signal.*service|guaranteed.*moon|moon.*guaranteed`),
}

// IsSpam reports whether text matches any spam pattern.
func IsSpam(text string) bool {
	for _, re := range spamPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// MatchKeywords classifies text against the weighted categories and computes
// its relevance score.
func MatchKeywords(text string) model.KeywordResult {
	res := model.KeywordResult{Matches: map[string][]string{}}
	var score float64
	for _, c := range categories {
		found := c.re.FindAllString(text, -1)
		if len(found) == 0 {
			continue
		}
		res.Matches[c.name] = found
		// First match counts in full, every further match at half weight.
		score += c.weight + float64(len(found)-1)*c.weight/2
	}
	if n := len(res.Matches); n >= 2 {
		score *= 1 + float64(n)*0.1
	}
	res.Relevance = math.Min(score, 100)
	return res
}
