package bot

import (
	"fmt"
	"strings"

	"news_sniper/internal/model"
)

// maxMessageLen is the Bot API limit on message text length in characters.
const maxMessageLen = 4096

// FormatNotification renders a notification as Telegram message text. Rule
// matches show the source and the original post; reports show the report text.
func FormatNotification(n model.Notification) string {
	var b strings.Builder
	if strings.HasPrefix(n.MatchedBy, "template:") {
		b.WriteString(n.Text)
		return clip(b.String())
	}

	if n.Message.SourceTitle != "" {
		fmt.Fprintf(&b, "[%s]\n\n", n.Message.SourceTitle)
	}
	text := n.Text
	if text == "" {
		text = n.Message.Text
	}
	b.WriteString(strings.TrimSpace(text))
	if n.AIAnalysis != "" {
		b.WriteString("\n\nAI: ")
		b.WriteString(n.AIAnalysis)
	}
	if n.Message.Permalink != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Message.Permalink)
	}
	return clip(b.String())
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen-1]) + "…"
}
