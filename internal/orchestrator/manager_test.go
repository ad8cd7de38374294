package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/bus"
	"github.com/nextlevelbuilder/topiclaw/internal/ports"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

type managerFixture struct {
	mgr    *Manager
	store  *store.StateStore
	pool   *ports.Pool
	events *bus.Dispatcher
}

func newManagerFixture(t *testing.T, binary string) *managerFixture {
	t.Helper()
	st, err := store.OpenStateStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testOrchestratorConfig(binary)
	pool := ports.NewPool(cfg.StartPort, cfg.PoolSize)
	events := bus.NewDispatcher()
	t.Cleanup(events.Close)

	mgr := NewManager(cfg, pool, st, events)
	mgr.probe = func(int) func(context.Context) error {
		return func(context.Context) error { return nil }
	}
	return &managerFixture{mgr: mgr, store: st, pool: pool, events: events}
}

func collectEvents(t *testing.T, d *bus.Dispatcher) <-chan bus.Event {
	t.Helper()
	ch := make(chan bus.Event, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Subscribe(ctx, "test", func(ev bus.Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan bus.Event, typ bus.EventType) bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", typ)
		}
	}
}

func TestGetOrCreateSpawnsAndReuses(t *testing.T) {
	f := newManagerFixture(t, stubAgent(t, ""))
	events := collectEvents(t, f.events)
	workDir := t.TempDir()

	info, err := f.mgr.GetOrCreate(context.Background(), 42, workDir, Options{Name: "proj-a"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer f.mgr.Shutdown(context.Background())

	if info.State != StateRunning || info.Port != f.mgr.cfg.StartPort {
		t.Errorf("info = %+v", info)
	}
	waitEvent(t, events, bus.InstanceStarting)
	ready := waitEvent(t, events, bus.InstanceReady)
	if ready.TopicID != 42 || ready.Port != info.Port {
		t.Errorf("ready event = %+v", ready)
	}

	// Same topic, same workDir: reuse, no second instance.
	again, err := f.mgr.GetOrCreate(context.Background(), 42, workDir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if again.InstanceID != info.InstanceID || again.PID != info.PID {
		t.Errorf("not reused: %+v vs %+v", again, info)
	}
	if n := f.mgr.RunningCount(); n != 1 {
		t.Errorf("running count = %d", n)
	}

	// Persisted as running.
	rec, err := f.store.GetInstance(info.InstanceID)
	if err != nil || rec.State != "running" {
		t.Errorf("persisted state = %+v, %v", rec, err)
	}
}

func TestGetOrCreateReplacesOnWorkDirChange(t *testing.T) {
	f := newManagerFixture(t, stubAgent(t, ""))
	defer f.mgr.Shutdown(context.Background())

	first, err := f.mgr.GetOrCreate(context.Background(), 7, t.TempDir(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	newDir := t.TempDir()
	second, err := f.mgr.GetOrCreate(context.Background(), 7, newDir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second.WorkDir != newDir {
		t.Errorf("work dir = %s, want %s", second.WorkDir, newDir)
	}
	if second.PID == first.PID {
		t.Error("process was not replaced")
	}
	if n := f.mgr.RunningCount(); n != 1 {
		t.Errorf("running count = %d", n)
	}
}

func TestMaxInstancesCap(t *testing.T) {
	f := newManagerFixture(t, stubAgent(t, ""))
	f.mgr.cfg.MaxInstances = 1
	defer f.mgr.Shutdown(context.Background())

	if _, err := f.mgr.GetOrCreate(context.Background(), 1, t.TempDir(), Options{}); err != nil {
		t.Fatal(err)
	}
	_, err := f.mgr.GetOrCreate(context.Background(), 2, t.TempDir(), Options{})
	if !errors.Is(err, ErrMaxInstances) {
		t.Errorf("want ErrMaxInstances, got %v", err)
	}
}

func TestCrashRestartThenCap(t *testing.T) {
	// The agent dies shortly after becoming healthy, every time.
	f := newManagerFixture(t, stubAgent(t, "sleep 1\nexit 1\n"))
	f.mgr.cfg.MaxRestartAttempts = 2
	f.mgr.cfg.RestartDelayMs = 30
	events := collectEvents(t, f.events)
	defer f.mgr.Shutdown(context.Background())

	if _, err := f.mgr.GetOrCreate(context.Background(), 9, t.TempDir(), Options{}); err != nil {
		t.Fatalf("initial start: %v", err)
	}

	crash := waitEvent(t, events, bus.InstanceCrashed)
	if !crash.WillRestart {
		t.Error("first crash should schedule a restart")
	}
	failed := waitEvent(t, events, bus.InstanceFailed)
	if failed.InstanceID != InstanceIDForTopic(9) {
		t.Errorf("failed event = %+v", failed)
	}

	rec, err := f.store.GetInstance(InstanceIDForTopic(9))
	if err != nil || rec.State != "failed" {
		t.Errorf("persisted state = %+v, %v", rec, err)
	}
	// Port released once the instance is declared failed.
	if f.pool.Status().Allocated != 0 {
		t.Errorf("port still allocated: %+v", f.pool.Status())
	}
}

func TestStopReleasesPortAndPersists(t *testing.T) {
	f := newManagerFixture(t, stubAgent(t, ""))
	events := collectEvents(t, f.events)

	info, err := f.mgr.GetOrCreate(context.Background(), 3, t.TempDir(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Stop(context.Background(), info.InstanceID, "test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitEvent(t, events, bus.InstanceStopped)

	if _, live := f.mgr.Get(info.InstanceID); live {
		t.Error("instance still live after stop")
	}
	if f.pool.Status().Allocated != 0 {
		t.Error("port not released")
	}
	rec, _ := f.store.GetInstance(info.InstanceID)
	if rec.State != "stopped" {
		t.Errorf("persisted state = %s", rec.State)
	}
	allocs, _ := f.store.ListPortAllocations()
	if len(allocs) != 0 {
		t.Errorf("allocation rows remain: %v", allocs)
	}
}

func TestRecoverRestartsCrashedInstances(t *testing.T) {
	binary := stubAgent(t, "")
	st, err := store.OpenStateStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	// Simulate a previous supervisor run that died with one instance live.
	workDir := t.TempDir()
	if err := st.UpsertInstance(&store.InstanceRecord{
		InstanceID: "topic-11", TopicID: 11, Port: 4101, WorkDir: workDir, State: "running",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SavePortAllocation(4101, "topic-11"); err != nil {
		t.Fatal(err)
	}

	cfg := testOrchestratorConfig(binary)
	pool := ports.NewPool(cfg.StartPort, cfg.PoolSize)
	events := bus.NewDispatcher()
	t.Cleanup(events.Close)
	mgr := NewManager(cfg, pool, st, events)
	mgr.probe = func(int) func(context.Context) error {
		return func(context.Context) error { return nil }
	}

	recovered, failed, err := mgr.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != 1 || failed != 0 {
		t.Fatalf("Recover = %d recovered, %d failed", recovered, failed)
	}
	defer mgr.Shutdown(context.Background())

	info, live := mgr.GetByTopic(11)
	if !live || info.State != StateRunning {
		t.Fatalf("instance not recovered: %+v, %v", info, live)
	}
	if info.Port != 4101 {
		t.Errorf("recovered port = %d, want the persisted 4101", info.Port)
	}

	// A new allocation must not collide with the reserved port.
	other, err := mgr.GetOrCreate(context.Background(), 12, t.TempDir(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if other.Port == 4101 {
		t.Error("reserved port handed out twice")
	}
}

func TestRecoverMarksUnrecoverableFailed(t *testing.T) {
	// Binary that exits immediately: the single recovery attempt fails.
	f := newManagerFixture(t, stubAgent(t, "exit 1\n"))
	f.mgr.cfg.StartupTimeoutMs = 500
	f.mgr.probe = func(int) func(context.Context) error {
		return func(context.Context) error { return errors.New("refused") }
	}

	if err := f.store.UpsertInstance(&store.InstanceRecord{
		InstanceID: "topic-13", TopicID: 13, Port: 4100, WorkDir: t.TempDir(), State: "starting",
	}); err != nil {
		t.Fatal(err)
	}

	recovered, failed, err := f.mgr.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != 0 || failed != 1 {
		t.Errorf("Recover = %d recovered, %d failed", recovered, failed)
	}
	rec, _ := f.store.GetInstance("topic-13")
	if rec.State != "failed" {
		t.Errorf("state after failed recovery = %s", rec.State)
	}
	if _, live := f.mgr.Get("topic-13"); live {
		t.Error("failed instance left in the live set")
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newManagerFixture(t, stubAgent(t, ""))

	for topic := 1; topic <= 3; topic++ {
		if _, err := f.mgr.GetOrCreate(context.Background(), topic, t.TempDir(), Options{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := len(f.mgr.List()); n != 0 {
		t.Errorf("live instances after shutdown: %d", n)
	}
	if f.pool.Status().Allocated != 0 {
		t.Errorf("ports still allocated: %+v", f.pool.Status())
	}
}
