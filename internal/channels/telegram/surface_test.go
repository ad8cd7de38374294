package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"

	"github.com/nextlevelbuilder/topiclaw/internal/bridge"
)

func TestResolveThreadIDForSend(t *testing.T) {
	if got := resolveThreadIDForSend(telegramGeneralTopicID); got != 0 {
		t.Errorf("General topic must be omitted, got %d", got)
	}
	if got := resolveThreadIDForSend(42); got != 42 {
		t.Errorf("resolveThreadIDForSend(42) = %d", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bridge.ErrKind
	}{
		{"rate limited", &telegoapi.Error{ErrorCode: 429, Description: "Too Many Requests: retry after 3",
			Parameters: &telegoapi.ResponseParameters{RetryAfter: 3}}, bridge.KindRateLimited},
		{"not modified", &telegoapi.Error{ErrorCode: 400,
			Description: "Bad Request: message is not modified"}, bridge.KindNotModified},
		{"edit target gone", &telegoapi.Error{ErrorCode: 400,
			Description: "Bad Request: message to edit not found"}, bridge.KindNotFound},
		{"delete target gone", &telegoapi.Error{ErrorCode: 400,
			Description: "Bad Request: message to delete not found"}, bridge.KindNotFound},
		{"bad html", &telegoapi.Error{ErrorCode: 400,
			Description: "Bad Request: can't parse entities: unclosed tag"}, bridge.KindParse},
		{"server error", &telegoapi.Error{ErrorCode: 500, Description: "Internal"}, bridge.KindOther},
		{"transport error", errors.New("dial tcp: timeout"), bridge.KindOther},
	}
	for _, tc := range cases {
		if got := bridge.KindOf(classify(tc.err)); got != tc.want {
			t.Errorf("%s: kind = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestClassifyRetryAfter(t *testing.T) {
	err := classify(&telegoapi.Error{ErrorCode: 429, Description: "retry after 7",
		Parameters: &telegoapi.ResponseParameters{RetryAfter: 7}})
	after, ok := bridge.RetryAfterOf(err)
	if !ok || after != 7*time.Second {
		t.Errorf("RetryAfterOf = %v, %v", after, ok)
	}

	// Missing parameters still advertise a sane default.
	err = classify(&telegoapi.Error{ErrorCode: 429, Description: "retry after ?"})
	after, ok = bridge.RetryAfterOf(err)
	if !ok || after != time.Second {
		t.Errorf("default RetryAfterOf = %v, %v", after, ok)
	}
}

func TestTopicURL(t *testing.T) {
	if got := TopicURL(-1001234567890, 42); got != "https://t.me/c/1234567890/42" {
		t.Errorf("TopicURL = %q", got)
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		args []string
	}{
		{"/list", "list", nil},
		{"/connect ses_abc", "connect", []string{"ses_abc"}},
		{"/stream@topiclaw_bot on", "stream", []string{"on"}},
		{"/NEW my project", "new", []string{"my", "project"}},
		{"hello", "", nil},
	}
	for _, tc := range cases {
		cmd, args := splitCommand(tc.in)
		if cmd != tc.cmd || len(args) != len(tc.args) {
			t.Errorf("splitCommand(%q) = %q %v", tc.in, cmd, args)
			continue
		}
		for i := range args {
			if args[i] != tc.args[i] {
				t.Errorf("splitCommand(%q) args = %v", tc.in, args)
			}
		}
	}
}

func TestOperatorAllowlist(t *testing.T) {
	c := &Channel{}
	c.SetOperators([]string{"123|alice", "456", "|bob"})

	cases := []struct {
		user *telego.User
		want bool
	}{
		{&telego.User{ID: 123}, true},
		{&telego.User{ID: 999, Username: "alice"}, true},
		{&telego.User{ID: 456}, true},
		{&telego.User{ID: 999, Username: "Bob"}, true}, // usernames compare case-insensitively
		{&telego.User{ID: 999, Username: "mallory"}, false},
		{nil, false},
	}
	for i, tc := range cases {
		if got := c.isOperator(tc.user); got != tc.want {
			t.Errorf("case %d: isOperator = %v, want %v", i, got, tc.want)
		}
	}

	// Empty allowlist means open access.
	c.SetOperators(nil)
	if !c.isOperator(&telego.User{ID: 1}) {
		t.Error("empty allowlist should admit everyone")
	}
}
