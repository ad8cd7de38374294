package janitor

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

const testChatID = int64(-100555)

func newTopicStore(t *testing.T) *store.TopicStore {
	t.Helper()
	topics, err := store.OpenTopicStore(filepath.Join(t.TempDir(), "topics.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { topics.Close() })
	return topics
}

func TestSweepClosesIdleMappings(t *testing.T) {
	topics := newTopicStore(t)

	mustCreate(t, topics, 1, "idle-project", "ses_idle")
	mustCreate(t, topics, 2, "busy-project", "ses_busy")
	time.Sleep(50 * time.Millisecond)
	// Fresh activity keeps a mapping alive.
	if err := topics.RecordMessage(testChatID, 2); err != nil {
		t.Fatal(err)
	}
	if err := topics.SetStreamingEnabled(testChatID, 2, true); err != nil {
		t.Fatal(err)
	}

	var closedTopics []int
	j := New(config.JanitorConfig{Schedule: "0 * * * *", IdleHorizonMs: 1}, testChatID, topics,
		func(topicID int) { closedTopics = append(closedTopics, topicID) })

	closed, removed := j.Sweep()
	if closed != 1 || removed != 0 {
		t.Fatalf("Sweep = %d closed, %d removed", closed, removed)
	}
	if len(closedTopics) != 1 || closedTopics[0] != 1 {
		t.Errorf("onClose topics = %v", closedTopics)
	}

	m, err := topics.GetMapping(testChatID, 1)
	if err != nil || m.Status != store.MappingClosed {
		t.Errorf("idle mapping = %+v, %v", m, err)
	}
	m, err = topics.GetMapping(testChatID, 2)
	if err != nil || m.Status != store.MappingActive {
		t.Errorf("busy mapping = %+v, %v", m, err)
	}
}

func TestSweepRemovesStalePlaceholders(t *testing.T) {
	topics := newTopicStore(t)

	mustCreate(t, topics, 3, "never-started", store.PlaceholderPrefix+"17000")
	mustCreate(t, topics, 4, "real-session", "ses_real")
	time.Sleep(50 * time.Millisecond)

	j := New(config.JanitorConfig{Schedule: "0 * * * *"}, testChatID, topics, nil)
	j.placeholderAge = time.Millisecond

	closed, removed := j.Sweep()
	if closed != 0 || removed != 1 {
		t.Fatalf("Sweep = %d closed, %d removed", closed, removed)
	}
	if _, err := topics.GetMapping(testChatID, 3); err == nil {
		t.Error("placeholder mapping survived")
	}
	if _, err := topics.GetMapping(testChatID, 4); err != nil {
		t.Errorf("real mapping removed: %v", err)
	}
}

func TestSweepSkipsFreshPlaceholders(t *testing.T) {
	topics := newTopicStore(t)
	mustCreate(t, topics, 5, "just-created", store.PlaceholderPrefix+"18000")

	j := New(config.JanitorConfig{Schedule: "0 * * * *", IdleHorizonMs: 1}, testChatID, topics, nil)
	time.Sleep(50 * time.Millisecond)

	// Idle pass must not close a placeholder; the placeholder pass owns it
	// and its age gate has not elapsed.
	closed, removed := j.Sweep()
	if closed != 0 || removed != 0 {
		t.Errorf("Sweep = %d closed, %d removed; want untouched", closed, removed)
	}
}

func TestInvalidScheduleDisablesRun(t *testing.T) {
	topics := newTopicStore(t)
	j := New(config.JanitorConfig{Schedule: "not a cron"}, testChatID, topics, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(t.Context())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not bail out on an invalid schedule")
	}
}

func mustCreate(t *testing.T, topics *store.TopicStore, topicID int, name, sessionID string) {
	t.Helper()
	err := topics.CreateMapping(&store.Mapping{
		ChatID:    testChatID,
		TopicID:   topicID,
		TopicName: name,
		SessionID: sessionID,
		WorkDir:   fmt.Sprintf("/proj/%s", name),
	})
	if err != nil {
		t.Fatal(err)
	}
}
