package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/topiclaw/internal/bus"
	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
	"github.com/nextlevelbuilder/topiclaw/internal/ports"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

// ErrMaxInstances is returned when the running-instance cap is reached.
var ErrMaxInstances = errors.New("max instances reached")

// ErrRestartCapReached is returned for an instance that crashed too often.
var ErrRestartCapReached = errors.New("restart cap reached")

// Manager owns every managed instance. It is the single writer of instance
// state; all mutations funnel through its mutex and are mirrored to the
// state store.
type Manager struct {
	cfg    config.OrchestratorConfig
	pool   *ports.Pool
	store  *store.StateStore
	events *bus.Dispatcher
	log    *slog.Logger

	// probe substitutes the per-instance health check in tests.
	probe func(port int) func(ctx context.Context) error

	mu            sync.Mutex
	instances     map[string]*Supervisor
	restartTimers map[string]*time.Timer
	shuttingDown  bool
}

// NewManager wires the orchestrator over its pool, store, and event bus.
func NewManager(cfg config.OrchestratorConfig, pool *ports.Pool, st *store.StateStore, events *bus.Dispatcher) *Manager {
	return &Manager{
		cfg:           cfg,
		pool:          pool,
		store:         st,
		events:        events,
		log:           slog.With("component", "orchestrator"),
		instances:     make(map[string]*Supervisor),
		restartTimers: make(map[string]*time.Timer),
	}
}

// GetOrCreate returns a running instance for the topic, creating, restarting,
// or replacing one as needed. A workDir change replaces the instance.
func (m *Manager) GetOrCreate(ctx context.Context, topicID int, workDir string, opts Options) (*Info, error) {
	id := InstanceIDForTopic(topicID)

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, errors.New("orchestrator shutting down")
	}
	sup, exists := m.instances[id]
	m.mu.Unlock()

	if exists {
		switch sup.State() {
		case StateRunning:
			if sup.workDir == workDir || workDir == "" {
				sup.RecordActivity()
				return sup.Info(), nil
			}
			// Topic re-linked to a different project: replace the instance.
			m.log.Info("replacing instance for new work dir",
				"instance_id", id, "old", sup.workDir, "new", workDir)
			if err := m.Stop(ctx, id, "work dir changed"); err != nil {
				return nil, err
			}
		case StateStarting:
			if err := m.waitRunning(ctx, sup); err != nil {
				return nil, err
			}
			return sup.Info(), nil
		case StateCrashed, StateFailed, StateStopped:
			rec, err := m.store.GetInstance(id)
			if err == nil && rec.RestartCount >= m.cfg.MaxRestartAttempts && sup.State() == StateFailed {
				return nil, fmt.Errorf("%w for %s (%d attempts)", ErrRestartCapReached, id, rec.RestartCount)
			}
			m.removeSupervisor(id)
		}
	}

	return m.create(ctx, id, topicID, workDir, opts)
}

// create allocates a port, persists the record, and starts a fresh supervisor.
func (m *Manager) create(ctx context.Context, id string, topicID int, workDir string, opts Options) (*Info, error) {
	if n := m.RunningCount(); n >= m.cfg.MaxInstances {
		return nil, fmt.Errorf("%w (%d)", ErrMaxInstances, m.cfg.MaxInstances)
	}

	port, err := m.pool.Allocate(id)
	if err != nil {
		if errors.Is(err, ports.ErrExhausted) {
			m.events.Publish(bus.Event{Type: bus.PortExhausted, InstanceID: id, TopicID: topicID})
		}
		return nil, err
	}

	rec := &store.InstanceRecord{
		InstanceID: id,
		TopicID:    topicID,
		Port:       port,
		WorkDir:    workDir,
		Name:       opts.Name,
		State:      string(StateStarting),
		Env:        opts.Env,
	}
	if err := m.store.UpsertInstance(rec); err != nil {
		m.pool.Release(port)
		return nil, err
	}
	if err := m.store.SavePortAllocation(port, id); err != nil {
		m.pool.Release(port)
		return nil, err
	}

	sup := newSupervisor(id, topicID, port, workDir, opts, m.cfg, supervisorHooks{
		crashed: m.onCrashed,
		idle:    m.onIdle,
	})
	if m.probe != nil {
		sup.health = m.probe(port)
	}
	m.mu.Lock()
	m.instances[id] = sup
	m.mu.Unlock()

	return m.startSupervisor(ctx, sup)
}

// startSupervisor runs one start attempt and mirrors the outcome.
func (m *Manager) startSupervisor(ctx context.Context, sup *Supervisor) (*Info, error) {
	m.events.Publish(bus.Event{
		Type: bus.InstanceStarting, InstanceID: sup.id, TopicID: sup.topicID,
		Port: sup.port, WorkDir: sup.workDir,
	})

	if err := sup.Start(ctx); err != nil {
		m.store.UpdateState(sup.id, string(StateCrashed), 0)
		m.events.Publish(bus.Event{
			Type: bus.InstanceCrashed, InstanceID: sup.id, TopicID: sup.topicID,
			Port: sup.port, Error: err.Error(),
		})
		return nil, err
	}

	info := sup.Info()
	m.store.UpdateState(sup.id, string(StateRunning), info.PID)
	m.store.ResetRestartCount(sup.id)
	m.store.TouchActivity(sup.id)
	m.events.Publish(bus.Event{
		Type: bus.InstanceReady, InstanceID: sup.id, TopicID: sup.topicID,
		Port: sup.port, WorkDir: sup.workDir,
	})
	return info, nil
}

// waitRunning blocks until the instance leaves starting, up to the startup
// timeout.
func (m *Manager) waitRunning(ctx context.Context, sup *Supervisor) error {
	deadline := time.After(m.cfg.StartupTimeout())
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch sup.State() {
		case StateRunning:
			return nil
		case StateCrashed, StateFailed, StateStopped:
			return fmt.Errorf("instance %s failed while starting", sup.id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("instance %s still starting after %s", sup.id, m.cfg.StartupTimeout())
		case <-ticker.C:
		}
	}
}

// onCrashed handles an unexpected exit or failed health check. Restarts are
// scheduled with a linear backoff, restartDelay * attempt, up to the cap.
func (m *Manager) onCrashed(sup *Supervisor, reason string) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.store.UpdateState(sup.id, string(StateCrashed), 0)
	count, err := m.store.IncrementRestartCount(sup.id)
	if err != nil {
		m.log.Error("restart count update failed", "instance_id", sup.id, "error", err)
		count = m.cfg.MaxRestartAttempts + 1
	}

	if count > m.cfg.MaxRestartAttempts {
		m.log.Error("instance exceeded restart cap",
			"instance_id", sup.id, "attempts", count-1, "reason", reason)
		m.store.UpdateState(sup.id, string(StateFailed), 0)
		m.releasePort(sup.port)
		m.events.Publish(bus.Event{
			Type: bus.InstanceFailed, InstanceID: sup.id, TopicID: sup.topicID,
			Port: sup.port, Error: reason,
		})
		return
	}

	delay := m.cfg.RestartDelay() * time.Duration(count)
	m.log.Warn("scheduling instance restart",
		"instance_id", sup.id, "attempt", count, "delay", delay, "reason", reason)
	m.events.Publish(bus.Event{
		Type: bus.InstanceCrashed, InstanceID: sup.id, TopicID: sup.topicID,
		Port: sup.port, Error: reason, WillRestart: true,
	})

	m.mu.Lock()
	m.restartTimers[sup.id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.restartTimers, sup.id)
		down := m.shuttingDown
		m.mu.Unlock()
		if down {
			return
		}
		if _, err := m.startSupervisor(context.Background(), sup); err != nil {
			// Start failure re-enters onCrashed via the next attempt only if
			// the process died after spawn; count a synchronous failure too.
			m.onCrashed(sup, err.Error())
		}
	})
	m.mu.Unlock()
}

// onIdle stops an instance whose idle watchdog expired. The port is released;
// the record stays so the topic can respawn on the next message.
func (m *Manager) onIdle(sup *Supervisor) {
	m.events.Publish(bus.Event{
		Type: bus.InstanceIdleTimeout, InstanceID: sup.id, TopicID: sup.topicID, Port: sup.port,
	})
	if err := m.Stop(context.Background(), sup.id, "idle timeout"); err != nil {
		m.log.Error("idle stop failed", "instance_id", sup.id, "error", err)
	}
}

// Stop terminates an instance and releases its port. The store record remains
// in state stopped.
func (m *Manager) Stop(ctx context.Context, instanceID, reason string) error {
	m.mu.Lock()
	sup, ok := m.instances[instanceID]
	if t, has := m.restartTimers[instanceID]; has {
		t.Stop()
		delete(m.restartTimers, instanceID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}

	m.log.Info("stopping instance", "instance_id", instanceID, "reason", reason)
	if err := sup.Stop(ctx); err != nil {
		return err
	}

	m.store.UpdateState(instanceID, string(StateStopped), 0)
	m.releasePort(sup.port)
	m.removeSupervisor(instanceID)
	m.events.Publish(bus.Event{
		Type: bus.InstanceStopped, InstanceID: instanceID, TopicID: sup.topicID,
		Port: sup.port, Error: reason,
	})
	return nil
}

// Restart stops and immediately restarts an instance on the same port.
func (m *Manager) Restart(ctx context.Context, instanceID string) (*Info, error) {
	m.mu.Lock()
	sup, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		rec, err := m.store.GetInstance(instanceID)
		if err != nil {
			return nil, fmt.Errorf("instance %s not found", instanceID)
		}
		return m.GetOrCreate(ctx, rec.TopicID, rec.WorkDir, Options{Name: rec.Name, Env: rec.Env})
	}

	topicID, workDir := sup.topicID, sup.workDir
	opts := Options{Name: sup.name, Env: sup.env}
	if err := m.Stop(ctx, instanceID, "restart requested"); err != nil {
		return nil, err
	}
	return m.GetOrCreate(ctx, topicID, workDir, opts)
}

// Remove stops an instance (if live) and deletes its persisted record.
func (m *Manager) Remove(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	_, live := m.instances[instanceID]
	m.mu.Unlock()
	if live {
		if err := m.Stop(ctx, instanceID, "removed"); err != nil {
			return err
		}
	}
	m.pool.ReleaseByInstance(instanceID)
	return m.store.DeleteInstance(instanceID)
}

// BindSession persists the session served by an instance. Binding happens
// outside the supervisor, after directory matching against the agent's
// session list.
func (m *Manager) BindSession(instanceID, sessionID string) error {
	return m.store.UpdateSessionID(instanceID, sessionID)
}

// RecordActivity resets the idle timer and touches the persisted timestamp.
func (m *Manager) RecordActivity(instanceID string) {
	m.mu.Lock()
	sup, ok := m.instances[instanceID]
	m.mu.Unlock()
	if ok {
		sup.RecordActivity()
	}
	m.store.TouchActivity(instanceID)
}

// Get returns the live instance snapshot, if any.
func (m *Manager) Get(instanceID string) (*Info, bool) {
	m.mu.Lock()
	sup, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sup.Info(), true
}

// GetByTopic returns the live instance for a topic, if any.
func (m *Manager) GetByTopic(topicID int) (*Info, bool) {
	return m.Get(InstanceIDForTopic(topicID))
}

// ClientFor returns the agent client for a live instance.
func (m *Manager) ClientFor(instanceID string) (*opencode.Client, bool) {
	m.mu.Lock()
	sup, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sup.Client(), true
}

// List snapshots every live instance.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.instances))
	for _, sup := range m.instances {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	infos := make([]*Info, 0, len(sups))
	for _, sup := range sups {
		infos = append(infos, sup.Info())
	}
	return infos
}

// RunningCount counts instances in starting or running.
func (m *Manager) RunningCount() int {
	n := 0
	for _, info := range m.List() {
		if info.State == StateRunning || info.State == StateStarting {
			n++
		}
	}
	return n
}

// PoolStatus reports port occupancy.
func (m *Manager) PoolStatus() ports.Status { return m.pool.Status() }

// Recover rebuilds state after a supervisor restart: persisted live states
// become crashed, ports are re-reserved, and each crashed instance gets one
// start attempt. Returns how many instances came back and how many did not.
func (m *Manager) Recover(ctx context.Context) (recovered, failed int, err error) {
	stale, err := m.store.MarkStaleCrashed()
	if err != nil {
		return 0, 0, err
	}
	if stale > 0 {
		m.log.Info("marked stale instances as crashed", "count", stale)
	}

	allocs, err := m.store.ListPortAllocations()
	if err != nil {
		return 0, 0, err
	}
	for _, alloc := range allocs {
		if err := m.pool.Reserve(alloc.Port, alloc.InstanceID); err != nil {
			m.log.Warn("stale port reservation dropped",
				"port", alloc.Port, "instance_id", alloc.InstanceID, "error", err)
			m.store.DeletePortAllocation(alloc.Port)
		}
	}

	crashed, err := m.store.ListInstances(string(StateCrashed))
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range crashed {
		if err := m.pool.Reserve(rec.Port, rec.InstanceID); err != nil {
			m.log.Warn("recovery skipped, port unavailable",
				"instance_id", rec.InstanceID, "port", rec.Port, "error", err)
			m.store.UpdateState(rec.InstanceID, string(StateFailed), 0)
			failed++
			continue
		}

		sup := newSupervisor(rec.InstanceID, rec.TopicID, rec.Port, rec.WorkDir,
			Options{Name: rec.Name, Env: rec.Env}, m.cfg, supervisorHooks{
				crashed: m.onCrashed,
				idle:    m.onIdle,
			})
		if m.probe != nil {
			sup.health = m.probe(rec.Port)
		}
		m.mu.Lock()
		m.instances[rec.InstanceID] = sup
		m.mu.Unlock()

		if _, err := m.startSupervisor(ctx, sup); err != nil {
			m.log.Warn("recovery start failed",
				"instance_id", rec.InstanceID, "error", err)
			m.store.UpdateState(rec.InstanceID, string(StateFailed), 0)
			m.releasePort(rec.Port)
			m.removeSupervisor(rec.InstanceID)
			failed++
			continue
		}
		recovered++
		m.log.Info("instance recovered", "instance_id", rec.InstanceID, "port", rec.Port)
	}
	return recovered, failed, nil
}

// Shutdown stops every instance concurrently, then releases ports.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	for id, t := range m.restartTimers {
		t.Stop()
		delete(m.restartTimers, id)
	}
	sups := make([]*Supervisor, 0, len(m.instances))
	for _, sup := range m.instances {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sup := range sups {
		g.Go(func() error {
			if err := sup.Stop(gctx); err != nil {
				m.log.Error("shutdown stop failed", "instance_id", sup.id, "error", err)
			}
			m.store.UpdateState(sup.id, string(StateStopped), 0)
			m.pool.Release(sup.port)
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	m.instances = make(map[string]*Supervisor)
	m.mu.Unlock()
	return err
}

func (m *Manager) releasePort(port int) {
	m.pool.Release(port)
	m.store.DeletePortAllocation(port)
}

func (m *Manager) removeSupervisor(id string) {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
}
