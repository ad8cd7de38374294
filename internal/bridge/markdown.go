package bridge

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Markdown to Telegram-flavored HTML. Telegram accepts a small tag set
// (b, i, s, u, code, pre, a, blockquote), so headings collapse to bold and
// lists pass through as text.

var (
	reInlineCode = regexp.MustCompile("`([^`\n]+)`")
	reHeading    = regexp.MustCompile(`^#{1,6}\s+(.*)$`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	reBoldStars  = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnder  = regexp.MustCompile(`__(.+?)__`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	// Italic markers need word-boundary guards so snake_case identifiers and
	// glob*patterns survive.
	reItalicStar  = regexp.MustCompile(`(^|[\s(>])\*([^*\s][^*\n]*?)\*([\s).,!?:;]|$)`)
	reItalicUnder = regexp.MustCompile(`(^|[\s(>])_([^_\s][^_\n]*?)_([\s).,!?:;]|$)`)
)

// ToHTML converts markdown-ish agent output to Telegram HTML. Code fences are
// preserved verbatim (HTML-escaped) inside pre/code blocks; everything outside
// is escaped first and then decorated.
func ToHTML(md string) string {
	var out []string
	var codeLines []string
	var codeLang string
	inCode := false

	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inCode {
				out = append(out, renderCodeBlock(codeLang, codeLines))
				codeLines = nil
				inCode = false
			} else {
				inCode = true
				codeLang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			}
			continue
		}
		if inCode {
			codeLines = append(codeLines, line)
			continue
		}

		if m := reHeading.FindStringSubmatch(line); m != nil {
			out = append(out, "<b>"+inlineHTML(m[1])+"</b>")
			continue
		}
		if strings.HasPrefix(line, ">") {
			quoted := strings.TrimPrefix(strings.TrimPrefix(line, ">"), " ")
			out = append(out, "<blockquote>"+inlineHTML(quoted)+"</blockquote>")
			continue
		}
		out = append(out, inlineHTML(line))
	}

	// Unterminated fence: keep the content rather than dropping it.
	if inCode {
		out = append(out, renderCodeBlock(codeLang, codeLines))
	}
	return strings.Join(out, "\n")
}

func renderCodeBlock(lang string, lines []string) string {
	body := html.EscapeString(strings.Join(lines, "\n"))
	if lang != "" {
		return fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(lang), body)
	}
	return "<pre>" + body + "</pre>"
}

// inlineHTML escapes a line and applies inline markdown decorations. Inline
// code spans are lifted out first so their contents stay literal.
func inlineHTML(line string) string {
	var spans []string
	line = reInlineCode.ReplaceAllStringFunc(line, func(m string) string {
		content := reInlineCode.FindStringSubmatch(m)[1]
		spans = append(spans, "<code>"+html.EscapeString(content)+"</code>")
		return fmt.Sprintf("\x00%d\x00", len(spans)-1)
	})

	s := html.EscapeString(line)
	s = reLink.ReplaceAllString(s, `<a href="$2">$1</a>`)
	s = reBoldStars.ReplaceAllString(s, "<b>$1</b>")
	s = reBoldUnder.ReplaceAllString(s, "<b>$1</b>")
	s = reStrike.ReplaceAllString(s, "<s>$1</s>")
	s = reItalicStar.ReplaceAllString(s, "$1<i>$2</i>$3")
	s = reItalicUnder.ReplaceAllString(s, "$1<i>$2</i>$3")

	for i, span := range spans {
		s = strings.Replace(s, fmt.Sprintf("\x00%d\x00", i), span, 1)
	}
	return s
}

var reTag = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9-]*)(?:\s[^>]*)?>`)

// selfContained lists tags that never need closing in Telegram HTML.
var selfContained = map[string]bool{"br": true}

// TruncateHTML cuts formatted text at roughly limit bytes without splitting a
// tag, then closes every tag left open at the cut.
func TruncateHTML(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if open := strings.LastIndex(cut, "<"); open > strings.LastIndex(cut, ">") {
		cut = cut[:open]
	}
	// Avoid splitting a multi-byte rune or an entity.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	if amp := strings.LastIndex(cut, "&"); amp > strings.LastIndex(cut, ";") && len(cut)-amp < 8 {
		cut = cut[:amp]
	}

	var stack []string
	for _, m := range reTag.FindAllStringSubmatch(cut, -1) {
		name := strings.ToLower(m[1])
		if selfContained[name] {
			continue
		}
		if strings.HasPrefix(m[0], "</") {
			if len(stack) > 0 && stack[len(stack)-1] == name {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		stack = append(stack, name)
	}

	var b strings.Builder
	b.WriteString(cut)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString("</" + stack[i] + ">")
	}
	return b.String()
}

// tailPreview returns the last max runes of plain text, HTML-escaped, with an
// ellipsis marker when trimmed.
func tailPreview(text string, max int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return html.EscapeString(string(runes))
	}
	return "…" + html.EscapeString(string(runes[len(runes)-max:]))
}
