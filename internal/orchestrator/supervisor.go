package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
)

const (
	healthPollInterval = 500 * time.Millisecond
	stopGracePeriod    = 5 * time.Second
)

// supervisorHooks are the Manager callbacks. crashed fires when the process
// dies or health checks fail outside of a requested stop; idle fires when the
// idle watchdog expires.
type supervisorHooks struct {
	crashed func(sup *Supervisor, reason string)
	idle    func(sup *Supervisor)
}

// Supervisor owns one agent process: spawn, health, idle watchdog, stop.
type Supervisor struct {
	id      string
	topicID int
	port    int
	workDir string
	name    string
	env     map[string]string
	cfg     config.OrchestratorConfig
	client  *opencode.Client
	log     *slog.Logger
	hooks   supervisorHooks

	// health overrides the agent probe in tests.
	health func(ctx context.Context) error

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	pid         int
	startedAt   time.Time
	exitReason  string
	stopping    bool
	monitorStop context.CancelFunc

	exited   chan struct{} // closed by the wait goroutine
	activity chan struct{}
}

func newSupervisor(id string, topicID, port int, workDir string, opts Options, cfg config.OrchestratorConfig, hooks supervisorHooks) *Supervisor {
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	sup := &Supervisor{
		id:       id,
		topicID:  topicID,
		port:     port,
		workDir:  workDir,
		name:     opts.Name,
		env:      opts.Env,
		cfg:      cfg,
		client:   opencode.NewClient(baseURL, opencode.WithMaxRetries(0)),
		log:      slog.With("instance_id", id, "port", port),
		hooks:    hooks,
		state:    StateStopped,
		exited:   make(chan struct{}),
		activity: make(chan struct{}, 1),
	}
	sup.health = func(ctx context.Context) error {
		_, err := sup.client.ListSessions(ctx)
		return err
	}
	return sup
}

// Info snapshots the supervisor for queries.
func (s *Supervisor) Info() *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Info{
		InstanceID: s.id,
		TopicID:    s.topicID,
		Port:       s.port,
		WorkDir:    s.workDir,
		Name:       s.name,
		State:      s.state,
		PID:        s.pid,
		StartedAt:  s.startedAt,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Client returns the HTTP client bound to this instance's port.
func (s *Supervisor) Client() *opencode.Client { return s.client }

// Start spawns the agent and blocks until it answers health checks, the
// startup timeout elapses, or the process exits. On failure the state is
// crashed and the process (if any) has been killed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("instance %s already %s", s.id, s.state)
	}
	s.state = StateStarting
	s.stopping = false
	s.exited = make(chan struct{})
	s.exitReason = ""
	s.mu.Unlock()

	killStaleListener(s.port, s.log)

	cmd := exec.Command(s.cfg.Binary, "serve", "--port", strconv.Itoa(s.port))
	cmd.Dir = s.workDir
	cmd.Env = mergedEnv(s.cfg.Env, s.env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.startFailed(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.startFailed(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.startFailed(fmt.Errorf("spawn %s: %w", s.cfg.Binary, err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	exited := s.exited
	s.mu.Unlock()

	s.log.Info("agent spawned", "pid", cmd.Process.Pid, "work_dir", s.workDir)

	go s.streamLines(stdout, "stdout")
	go s.streamLines(stderr, "stderr")
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if err != nil {
			s.exitReason = err.Error()
		} else {
			s.exitReason = "exit status 0"
		}
		s.mu.Unlock()
		close(exited)
	}()

	if err := s.awaitHealthy(ctx, exited); err != nil {
		s.kill()
		return s.startFailed(err)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.log.Info("agent ready", "startup_ms", time.Since(s.startedAt).Milliseconds())

	monCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.monitorStop = cancel
	s.mu.Unlock()
	go s.monitor(monCtx, exited)
	return nil
}

// awaitHealthy polls the agent every 500ms until it answers, the startup
// timeout elapses, or the process exits.
func (s *Supervisor) awaitHealthy(ctx context.Context, exited <-chan struct{}) error {
	deadline := time.After(s.cfg.StartupTimeout())
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			s.mu.Lock()
			reason := s.exitReason
			s.mu.Unlock()
			return fmt.Errorf("agent exited during startup: %s", reason)
		case <-deadline:
			return fmt.Errorf("agent did not become healthy within %s", s.cfg.StartupTimeout())
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := s.health(probeCtx)
			cancel()
			if err == nil {
				return nil
			}
		}
	}
}

// monitor watches a running instance: periodic health polls, the idle
// watchdog, and process exit.
func (s *Supervisor) monitor(ctx context.Context, exited <-chan struct{}) {
	healthTicker := time.NewTicker(s.cfg.HealthInterval())
	defer healthTicker.Stop()
	idle := time.NewTimer(s.cfg.IdleTimeout())
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-exited:
			s.mu.Lock()
			wasStopping := s.stopping
			reason := s.exitReason
			s.state = StateCrashed
			s.mu.Unlock()
			if wasStopping {
				return
			}
			s.log.Warn("agent exited unexpectedly", "reason", reason)
			if s.hooks.crashed != nil {
				s.hooks.crashed(s, reason)
			}
			return

		case <-s.activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout())

		case <-idle.C:
			s.log.Info("idle timeout reached")
			if s.hooks.idle != nil {
				s.hooks.idle(s)
			}
			return

		case <-healthTicker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.health(probeCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.Warn("health check failed", "error", err)
				s.mu.Lock()
				s.state = StateCrashed
				s.mu.Unlock()
				s.kill()
				if s.hooks.crashed != nil {
					s.hooks.crashed(s, fmt.Sprintf("health check failed: %v", err))
				}
				return
			}
		}
	}
}

// RecordActivity resets the idle watchdog.
func (s *Supervisor) RecordActivity() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// Stop terminates the agent: SIGTERM, a grace period, then SIGKILL.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateFailed {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.state = StateStopping
	cmd := s.cmd
	cancel := s.monitorStop
	exited := s.exited
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err == nil {
			select {
			case <-exited:
			case <-time.After(stopGracePeriod):
				s.log.Warn("agent ignored SIGTERM, killing")
				cmd.Process.Kill()
				select {
				case <-exited:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		} else {
			cmd.Process.Kill()
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.pid = 0
	s.mu.Unlock()
	s.log.Info("agent stopped")
	return nil
}

func (s *Supervisor) startFailed(err error) error {
	s.mu.Lock()
	s.state = StateCrashed
	s.mu.Unlock()
	s.log.Error("agent start failed", "error", err)
	return err
}

func (s *Supervisor) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// streamLines forwards process output to the operator log, line by line.
func (s *Supervisor) streamLines(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if stream == "stderr" {
			s.log.Info("agent output", "stream", stream, "line", line)
		} else {
			s.log.Debug("agent output", "stream", stream, "line", line)
		}
	}
}

// killStaleListener removes any leftover process bound to the port before
// spawning. Best effort; a missing lsof is not an error.
func killStaleListener(port int, log *slog.Logger) {
	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return
	}
	out, err := exec.Command(lsof, "-ti", "tcp:"+strconv.Itoa(port)).Output()
	if err != nil || len(out) == 0 {
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 1 || pid == os.Getpid() {
			continue
		}
		log.Warn("killing stale listener on port", "stale_pid", pid)
		syscall.Kill(pid, syscall.SIGKILL)
	}
}

// mergedEnv layers the orchestrator env and per-instance env over the
// inherited environment.
func mergedEnv(layers ...map[string]string) []string {
	env := os.Environ()
	for _, layer := range layers {
		for k, v := range layer {
			env = append(env, k+"="+v)
		}
	}
	return env
}
