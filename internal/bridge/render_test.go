package bridge

import (
	"strings"
	"testing"
	"time"
)

func TestStatusLine(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	st := &StreamingState{Processing: true, StartedAt: base.Add(-12 * time.Second)}
	got := statusLine(st, base)
	if !strings.Contains(got, "💭 <b>Thinking</b>") {
		t.Errorf("empty generation = %q, want thinking", got)
	}
	if !strings.Contains(got, "12s") {
		t.Errorf("statusLine = %q, want elapsed 12s", got)
	}

	st.Text = "hello"
	st.Tokens = Tokens{Input: 800, Output: 400}
	st.Model = "claude-sonnet"
	got = statusLine(st, base)
	if !strings.Contains(got, "⏳ <b>Working</b>") {
		t.Errorf("running generation = %q, want working", got)
	}
	if !strings.Contains(got, "1.2k tokens") {
		t.Errorf("statusLine = %q, want token count", got)
	}
	if !strings.Contains(got, "claude-sonnet") {
		t.Errorf("statusLine = %q, want model name", got)
	}

	st.Processing = false
	if got = statusLine(st, base); !strings.Contains(got, "✅ <b>Done</b>") {
		t.Errorf("finished generation = %q, want done", got)
	}
}

func TestRenderProgressStreaming(t *testing.T) {
	st := &StreamingState{
		Processing: true,
		Text:       "Running **bold** things",
		StartedAt:  time.Now(),
	}
	got := renderProgress(st, true, time.Now())
	if !strings.Contains(got, "<b>bold</b>") {
		t.Errorf("streaming render = %q, want converted markdown", got)
	}
	if strings.Contains(got, "Response:") {
		t.Errorf("streaming render = %q, must not carry the checklist layout", got)
	}
}

func TestRenderProgressChecklist(t *testing.T) {
	st := &StreamingState{
		Processing: true,
		Text:       "partial answer",
		Tools: []*ToolCall{
			{Name: "bash", Title: "ls -la", StartedAt: time.Now(), CompletedAt: time.Now()},
			{Name: "edit", Title: "main.go", StartedAt: time.Now()},
		},
	}
	got := renderProgress(st, false, time.Now())

	if !strings.Contains(got, "✅ <code>bash: ls -la</code>") {
		t.Errorf("render = %q, want finished tool marked done", got)
	}
	if !strings.Contains(got, "▫️ <code>edit: main.go</code>") {
		t.Errorf("render = %q, want running tool marked pending", got)
	}
	if !strings.Contains(got, "<b>Response:</b>") || !strings.Contains(got, "partial answer") {
		t.Errorf("render = %q, want response preview", got)
	}
}

func TestRenderProgressPreviewIsTail(t *testing.T) {
	long := strings.Repeat("x", 600) + " THE-END"
	st := &StreamingState{Processing: true, Text: long}
	got := renderProgress(st, false, time.Now())
	if !strings.Contains(got, "THE-END") {
		t.Errorf("preview must keep the tail of the text")
	}
	if strings.Contains(got, strings.Repeat("x", 550)) {
		t.Errorf("preview kept more than the tail window")
	}
}

func TestRenderFinalBounded(t *testing.T) {
	got := renderFinal("# Heading\n\n" + strings.Repeat("word ", 2000))
	if len(got) > surfaceTextLimit {
		t.Errorf("renderFinal length = %d, want <= %d", len(got), surfaceTextLimit)
	}
	if !strings.Contains(got, "<b>Heading</b>") {
		t.Errorf("renderFinal = %.80q, want heading markup", got)
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{9 * time.Second, "9s"},
		{59 * time.Second, "59s"},
		{61 * time.Second, "1m01s"},
		{150 * time.Second, "2m30s"},
	}
	for _, c := range cases {
		if got := formatElapsed(c.d); got != c.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestFormatTokens(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.0k"},
		{15300, "15.3k"},
	}
	for _, c := range cases {
		if got := formatTokens(c.n); got != c.want {
			t.Errorf("formatTokens(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}
