package bridge

import (
	"fmt"
	"strings"
	"time"
)

const (
	// surfaceTextLimit approximates Telegram's message length cap, leaving
	// headroom for the status line and closing tags.
	surfaceTextLimit = 3900
	// previewTail is how much of the running text the formatted bubble shows.
	previewTail = 500
)

// renderProgress builds the progress bubble HTML. In streaming mode it is a
// compact status line plus the converted running text; otherwise a status
// line, a tools checklist, and a tail preview of the response.
func renderProgress(st *StreamingState, streaming bool, now time.Time) string {
	status := statusLine(st, now)

	if streaming {
		body := ToHTML(st.Text)
		out := status
		if body != "" {
			out += "\n\n" + body
		}
		return TruncateHTML(out, surfaceTextLimit)
	}

	var b strings.Builder
	b.WriteString(status)

	if len(st.Tools) > 0 {
		b.WriteString("\n")
		for _, t := range st.Tools {
			mark := "▫️"
			if t.Done() {
				mark = "✅"
			}
			label := t.Name
			if t.Title != "" {
				label += ": " + t.Title
			}
			fmt.Fprintf(&b, "\n%s <code>%s</code>", mark, tailPreview(label, 80))
		}
	}

	if text := strings.TrimSpace(st.Text); text != "" {
		b.WriteString("\n\n<b>Response:</b>\n")
		b.WriteString(tailPreview(text, previewTail))
	}
	return TruncateHTML(b.String(), surfaceTextLimit)
}

// statusLine renders "⏳ Working • 12s • 1.2k tokens" style summaries.
func statusLine(st *StreamingState, now time.Time) string {
	icon, verb := "⏳", "Working"
	switch {
	case !st.Processing:
		icon, verb = "✅", "Done"
	case st.Text == "" && len(st.Tools) == 0:
		icon, verb = "💭", "Thinking"
	}

	parts := []string{fmt.Sprintf("%s <b>%s</b>", icon, verb)}
	if !st.StartedAt.IsZero() {
		parts = append(parts, formatElapsed(now.Sub(st.StartedAt)))
	}
	if total := st.Tokens.Total(); total > 0 {
		parts = append(parts, formatTokens(total)+" tokens")
	}
	if st.Model != "" {
		parts = append(parts, st.Model)
	}
	return strings.Join(parts, " • ")
}

// renderFinal converts the final text and fits it within the surface limit.
func renderFinal(text string) string {
	return TruncateHTML(ToHTML(text), surfaceTextLimit)
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatTokens(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%.1fk", float64(n)/1000)
}
