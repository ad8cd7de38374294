package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/config"
)

// stubAgent writes an executable script that behaves like a long-running
// server process: it exits cleanly on SIGTERM and otherwise sleeps.
func stubAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if body == "" {
		body = "trap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n"
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testOrchestratorConfig(binary string) config.OrchestratorConfig {
	cfg := config.Default().Orchestrator
	cfg.Binary = binary
	cfg.StartupTimeoutMs = 3000
	cfg.HealthCheckInterval = 60_000
	cfg.IdleTimeoutMs = 60_000
	cfg.RestartDelayMs = 50
	return cfg
}

func TestSupervisorStartStop(t *testing.T) {
	cfg := testOrchestratorConfig(stubAgent(t, ""))
	sup := newSupervisor("topic-1", 1, 4901, t.TempDir(), Options{}, cfg, supervisorHooks{})
	sup.health = func(context.Context) error { return nil }

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := sup.State(); st != StateRunning {
		t.Errorf("state after start = %s", st)
	}
	info := sup.Info()
	if info.PID == 0 || info.StartedAt.IsZero() {
		t.Errorf("info = %+v", info)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := sup.State(); st != StateStopped {
		t.Errorf("state after stop = %s", st)
	}
}

func TestSupervisorStartupTimeout(t *testing.T) {
	cfg := testOrchestratorConfig(stubAgent(t, ""))
	cfg.StartupTimeoutMs = 600
	sup := newSupervisor("topic-2", 2, 4902, t.TempDir(), Options{}, cfg, supervisorHooks{})
	sup.health = func(context.Context) error { return errors.New("connection refused") }

	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("expected startup timeout")
	}
	if st := sup.State(); st != StateCrashed {
		t.Errorf("state after timeout = %s", st)
	}
}

func TestSupervisorExitDuringStartup(t *testing.T) {
	cfg := testOrchestratorConfig(stubAgent(t, "exit 7\n"))
	sup := newSupervisor("topic-3", 3, 4903, t.TempDir(), Options{}, cfg, supervisorHooks{})
	sup.health = func(context.Context) error { return errors.New("not yet") }

	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for early exit")
	}
	if st := sup.State(); st != StateCrashed {
		t.Errorf("state = %s", st)
	}
}

func TestSupervisorCrashDetection(t *testing.T) {
	// Healthy at the first poll, then the process dies a second in.
	cfg := testOrchestratorConfig(stubAgent(t, "sleep 1\nexit 1\n"))
	var crashes atomic.Int32
	crashed := make(chan string, 1)
	sup := newSupervisor("topic-4", 4, 4904, t.TempDir(), Options{}, cfg, supervisorHooks{
		crashed: func(_ *Supervisor, reason string) {
			crashes.Add(1)
			crashed <- reason
		},
	})
	sup.health = func(context.Context) error { return nil }

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case reason := <-crashed:
		if reason == "" {
			t.Error("empty crash reason")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("crash hook never fired")
	}
	if st := sup.State(); st != StateCrashed {
		t.Errorf("state = %s", st)
	}
}

func TestSupervisorIdleTimeout(t *testing.T) {
	cfg := testOrchestratorConfig(stubAgent(t, ""))
	cfg.IdleTimeoutMs = 300
	idle := make(chan struct{}, 1)
	sup := newSupervisor("topic-5", 5, 4905, t.TempDir(), Options{}, cfg, supervisorHooks{
		idle: func(*Supervisor) { idle <- struct{}{} },
	})
	sup.health = func(context.Context) error { return nil }

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop(context.Background())

	// Activity keeps the watchdog at bay past its horizon.
	time.Sleep(200 * time.Millisecond)
	sup.RecordActivity()
	select {
	case <-idle:
		t.Fatal("idle fired despite activity")
	case <-time.After(150 * time.Millisecond):
	}

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle hook never fired")
	}
}

func TestSupervisorStopOnCleanExit(t *testing.T) {
	// Stop during stopping must not invoke the crash hook.
	cfg := testOrchestratorConfig(stubAgent(t, ""))
	var crashes atomic.Int32
	sup := newSupervisor("topic-6", 6, 4906, t.TempDir(), Options{}, cfg, supervisorHooks{
		crashed: func(*Supervisor, string) { crashes.Add(1) },
	})
	sup.health = func(context.Context) error { return nil }

	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := crashes.Load(); n != 0 {
		t.Errorf("crash hook fired %d times during requested stop", n)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateStarting, StateRunning},
		{StateRunning, StateCrashed},
		{StateRunning, StateStopping},
		{StateStopping, StateStopped},
		{StateCrashed, StateStarting},
		{StateCrashed, StateFailed},
		{StateFailed, StateStarting},
	}
	for _, tc := range allowed {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}
	forbidden := []struct{ from, to State }{
		{StateStopped, StateRunning},
		{StateFailed, StateRunning},
		{StateRunning, StateStarting},
		{StateStopping, StateRunning},
	}
	for _, tc := range forbidden {
		if canTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}
