package supervisor

import (
	"strings"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// maxChunkLen is the outbound chat message limit.
const maxChunkLen = 2000

// formatMessages renders a batch as the XML block the agent prompt
// carries. All user-controlled text is escaped.
func formatMessages(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`  <message sender="`)
		b.WriteString(escapeXML(m.SenderName))
		b.WriteString(`" time="`)
		b.WriteString(escapeXML(m.Timestamp))
		b.WriteString(`">`)
		b.WriteString(escapeXML(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlReplacer.Replace(s)
}

// splitMessage chunks an outbound reply to the channel limit, breaking at
// the last newline before the limit, then the last space, then hard.
func splitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = maxChunkLen
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = strings.LastIndex(text[:limit], " ")
		}
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n "))
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
