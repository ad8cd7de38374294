package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTopicStore(t *testing.T) *TopicStore {
	t.Helper()
	s, err := OpenTopicStore(filepath.Join(t.TempDir(), "topics.db"))
	if err != nil {
		t.Fatalf("OpenTopicStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMappingLifecycle(t *testing.T) {
	s := newTopicStore(t)

	m := &Mapping{
		ChatID:    -100123,
		TopicID:   42,
		TopicName: "proj-a",
		SessionID: "ses_abc",
		WorkDir:   "/proj/a",
	}
	if err := s.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}

	got, err := s.GetMapping(-100123, 42)
	if err != nil {
		t.Fatalf("GetMapping: %v", err)
	}
	if got.SessionID != "ses_abc" || got.Status != MappingActive || got.StreamingEnabled {
		t.Errorf("mapping = %+v", got)
	}

	bySession, err := s.GetMappingBySession("ses_abc")
	if err != nil || bySession.TopicID != 42 {
		t.Errorf("GetMappingBySession = %+v, %v", bySession, err)
	}

	if err := s.SetStreamingEnabled(-100123, 42, true); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateName(-100123, 42, "proj-a (renamed)"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetMapping(-100123, 42)
	if !got.StreamingEnabled || got.TopicName != "proj-a (renamed)" {
		t.Errorf("updates not applied: %+v", got)
	}

	if err := s.UpdateStatus(-100123, 42, MappingClosed); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetMapping(-100123, 42)
	if got.Status != MappingClosed || got.ClosedAt.IsZero() {
		t.Errorf("close not recorded: %+v", got)
	}

	// Closed mapping is no longer resolvable by session.
	if _, err := s.GetMappingBySession("ses_abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("closed mapping still active by session: %v", err)
	}
}

func TestStatsAndCascade(t *testing.T) {
	s := newTopicStore(t)

	if err := s.CreateMapping(&Mapping{ChatID: -1, TopicID: 5, TopicName: "t", SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := s.RecordMessage(-1, 5); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordToolCall(-1, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordError(-1, 5); err != nil {
		t.Fatal(err)
	}

	st, err := s.GetStats(-1, 5)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.MessageCount != 3 || st.ToolCalls != 1 || st.ErrorCount != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastMessageAt.IsZero() {
		t.Error("last_message_at not set")
	}

	if err := s.DeleteMapping(-1, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetStats(-1, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("stats row survived mapping delete: %v", err)
	}
}

func TestSessionPromotion(t *testing.T) {
	s := newTopicStore(t)

	placeholder := PlaceholderPrefix + "1724500000"
	if err := s.CreateMapping(&Mapping{ChatID: -1, TopicID: 9, TopicName: "t", SessionID: placeholder}); err != nil {
		t.Fatal(err)
	}
	if !IsPlaceholderSession(placeholder) {
		t.Fatal("placeholder not detected")
	}

	if err := s.UpdateSessionID(-1, 9, "ses_real"); err != nil {
		t.Fatal(err)
	}
	m, _ := s.GetMapping(-1, 9)
	if m.SessionID != "ses_real" || IsPlaceholderSession(m.SessionID) {
		t.Errorf("promotion failed: %+v", m)
	}
}

func TestTopicEvents(t *testing.T) {
	s := newTopicStore(t)

	for _, typ := range []string{EventCreated, EventMessage, EventRenamed} {
		if err := s.AppendEvent(&TopicEvent{ChatID: -1, TopicID: 3, Type: typ, UserID: 777}); err != nil {
			t.Fatalf("AppendEvent(%s): %v", typ, err)
		}
	}

	evs, err := s.ListEvents(-1, 3, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3", len(evs))
	}
	// Newest first.
	if evs[0].Type != EventRenamed || evs[2].Type != EventCreated {
		t.Errorf("event order: %s ... %s", evs[0].Type, evs[2].Type)
	}
}

func TestFindIdleAndPlaceholders(t *testing.T) {
	s := newTopicStore(t)

	if err := s.CreateMapping(&Mapping{ChatID: -1, TopicID: 1, TopicName: "old", SessionID: "s-old"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateMapping(&Mapping{ChatID: -1, TopicID: 2, TopicName: "pending", SessionID: PlaceholderPrefix + "x"}); err != nil {
		t.Fatal(err)
	}

	// Rows were written just now, so nothing is idle yet at a 1h horizon ...
	idle, err := s.FindIdleMappings(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 0 {
		t.Errorf("fresh mappings reported idle: %d", len(idle))
	}

	// ... but everything is idle at a horizon in the future of the writes.
	idle, err = s.FindIdleMappings(-time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 2 {
		t.Errorf("idle = %d, want 2", len(idle))
	}

	stale, err := s.FindStalePlaceholders(-time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].TopicID != 2 {
		t.Errorf("stale placeholders = %+v", stale)
	}
}
