package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newStateStore(t *testing.T) *StateStore {
	t.Helper()
	s, err := OpenStateStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenStateStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetInstance(t *testing.T) {
	s := newStateStore(t)

	rec := &InstanceRecord{
		InstanceID: "topic-42",
		TopicID:    42,
		Port:       4101,
		WorkDir:    "/proj/a",
		State:      "starting",
		Env:        map[string]string{"OPENCODE_THEME": "dark"},
	}
	if err := s.UpsertInstance(rec); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}

	got, err := s.GetInstance("topic-42")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.TopicID != 42 || got.Port != 4101 || got.WorkDir != "/proj/a" || got.State != "starting" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Env["OPENCODE_THEME"] != "dark" {
		t.Errorf("env not preserved: %v", got.Env)
	}

	byTopic, err := s.GetInstanceByTopic(42)
	if err != nil || byTopic.InstanceID != "topic-42" {
		t.Errorf("GetInstanceByTopic = %+v, %v", byTopic, err)
	}

	// Upsert replaces in place.
	rec.State = "running"
	rec.PID = 12345
	if err := s.UpsertInstance(rec); err != nil {
		t.Fatalf("UpsertInstance update: %v", err)
	}
	got, _ = s.GetInstance("topic-42")
	if got.State != "running" || got.PID != 12345 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	s := newStateStore(t)
	if _, err := s.GetInstance("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkStaleCrashed(t *testing.T) {
	s := newStateStore(t)

	states := map[string]string{
		"topic-1": "running",
		"topic-2": "starting",
		"topic-3": "stopping",
		"topic-4": "stopped",
		"topic-5": "failed",
	}
	i := 0
	for id, state := range states {
		if err := s.UpsertInstance(&InstanceRecord{
			InstanceID: id, TopicID: i + 1, Port: 4100 + i, WorkDir: "/p", State: state,
		}); err != nil {
			t.Fatal(err)
		}
		i++
	}

	n, err := s.MarkStaleCrashed()
	if err != nil {
		t.Fatalf("MarkStaleCrashed: %v", err)
	}
	if n != 3 {
		t.Errorf("marked %d, want 3", n)
	}

	crashed, _ := s.ListInstances("crashed")
	if len(crashed) != 3 {
		t.Errorf("crashed count = %d, want 3", len(crashed))
	}
	for _, id := range []string{"topic-4", "topic-5"} {
		rec, _ := s.GetInstance(id)
		if rec.State == "crashed" {
			t.Errorf("%s should not be marked crashed (was %s)", id, states[id])
		}
	}
}

func TestRestartCounter(t *testing.T) {
	s := newStateStore(t)
	if err := s.UpsertInstance(&InstanceRecord{InstanceID: "topic-7", TopicID: 7, Port: 4100, WorkDir: "/p", State: "crashed"}); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementRestartCount("topic-7")
		if err != nil || got != want {
			t.Fatalf("IncrementRestartCount = %d, %v; want %d", got, err, want)
		}
	}

	if err := s.ResetRestartCount("topic-7"); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.GetInstance("topic-7")
	if rec.RestartCount != 0 {
		t.Errorf("restart count after reset = %d", rec.RestartCount)
	}
}

func TestPortAllocationsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertInstance(&InstanceRecord{InstanceID: "topic-9", TopicID: 9, Port: 4105, WorkDir: "/p", State: "running"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePortAllocation(4105, "topic-9"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := OpenStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	allocs, err := s2.ListPortAllocations()
	if err != nil || len(allocs) != 1 {
		t.Fatalf("ListPortAllocations = %v, %v", allocs, err)
	}
	if allocs[0].Port != 4105 || allocs[0].InstanceID != "topic-9" {
		t.Errorf("allocation = %+v", allocs[0])
	}
	if allocs[0].AllocatedAt.After(time.Now()) {
		t.Errorf("allocated_at in the future")
	}

	// Deleting the instance cascades to the allocation.
	if err := s2.DeleteInstance("topic-9"); err != nil {
		t.Fatal(err)
	}
	allocs, _ = s2.ListPortAllocations()
	if len(allocs) != 0 {
		t.Errorf("allocation not cascaded on instance delete: %v", allocs)
	}
}
