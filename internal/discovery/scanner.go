// Package discovery finds OpenCode processes already running on this machine
// so topics can attach to them instead of spawning duplicates. Enumeration
// goes through ps and lsof; both being absent just means nothing is
// discovered.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
)

// Instance is one discovered agent process.
type Instance struct {
	PID      int
	Port     int
	WorkDir  string
	IsTui    bool // interactive agent, as opposed to a supervised serve process
	Sessions []opencode.Session
}

// BaseURL returns the agent endpoint for this process.
func (i *Instance) BaseURL() string { return fmt.Sprintf("http://127.0.0.1:%d", i.Port) }

// Session pairs a discovered session with the process serving it.
type Session struct {
	PID     int
	Port    int
	WorkDir string
	IsTui   bool
	Session opencode.Session
}

// procEntry is one row of the process listing.
type procEntry struct {
	pid  int
	args string
}

// Scanner enumerates local agent processes. The exec-backed lookups are
// injectable for tests.
type Scanner struct {
	binary string
	log    *slog.Logger

	listProcs  func(ctx context.Context) ([]procEntry, error)
	cwdOf      func(ctx context.Context, pid int) (string, error)
	portsOf    func(ctx context.Context, pid int) ([]int, error)
	sessionsOf func(ctx context.Context, port int) ([]opencode.Session, error)
}

// NewScanner creates a scanner for processes running the given agent binary.
func NewScanner(binary string) *Scanner {
	s := &Scanner{
		binary: binary,
		log:    slog.With("component", "discovery"),
	}
	s.listProcs = listProcsPS
	s.cwdOf = cwdViaLsof
	s.portsOf = portsViaLsof
	s.sessionsOf = func(ctx context.Context, port int) ([]opencode.Session, error) {
		client := opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), opencode.WithMaxRetries(0))
		sessCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.ListSessions(sessCtx)
	}
	return s
}

// Instances enumerates agent processes with a listening port, their working
// directory, and their sessions. A missing ps or lsof yields an empty result.
func (s *Scanner) Instances(ctx context.Context) ([]*Instance, error) {
	procs, err := s.listProcs(ctx)
	if err != nil {
		s.log.Debug("process listing unavailable", "error", err)
		return nil, nil
	}

	var out []*Instance
	for _, proc := range procs {
		if !s.matches(proc.args) {
			continue
		}
		ports, err := s.portsOf(ctx, proc.pid)
		if err != nil || len(ports) == 0 {
			continue
		}
		cwd, err := s.cwdOf(ctx, proc.pid)
		if err != nil {
			cwd = ""
		}

		inst := &Instance{
			PID:     proc.pid,
			Port:    ports[0],
			WorkDir: cwd,
			IsTui:   !strings.Contains(proc.args, " serve"),
		}
		sessions, err := s.sessionsOf(ctx, inst.Port)
		if err != nil {
			// Listening but not answering the agent API; skip it.
			s.log.Debug("discovered process not responding", "pid", proc.pid, "port", inst.Port, "error", err)
			continue
		}
		inst.Sessions = sessions
		out = append(out, inst)
	}
	return out, nil
}

// DiscoverSessions flattens discovered instances into sessions, deduplicated
// by session ID. With onlyActive set, only the most recently updated session
// of each instance is kept.
func (s *Scanner) DiscoverSessions(ctx context.Context, onlyActive bool) ([]Session, error) {
	instances, err := s.Instances(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Session
	for _, inst := range instances {
		sessions := inst.Sessions
		if onlyActive && len(sessions) > 1 {
			newest := sessions[0]
			for _, sess := range sessions[1:] {
				if sess.Time.Updated > newest.Time.Updated {
					newest = sess
				}
			}
			sessions = []opencode.Session{newest}
		}
		for _, sess := range sessions {
			if seen[sess.ID] {
				continue
			}
			seen[sess.ID] = true
			out = append(out, Session{
				PID: inst.PID, Port: inst.Port, WorkDir: inst.WorkDir,
				IsTui: inst.IsTui, Session: sess,
			})
		}
	}

	// Newest first, TUI processes ahead of serve processes on ties.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Session.Time.Updated != out[j].Session.Time.Updated {
			return out[i].Session.Time.Updated > out[j].Session.Time.Updated
		}
		return out[i].IsTui && !out[j].IsTui
	})
	return out, nil
}

// FindInWorkDir returns discovered sessions whose process runs in workDir,
// TUI processes first.
func (s *Scanner) FindInWorkDir(ctx context.Context, workDir string) ([]Session, error) {
	all, err := s.DiscoverSessions(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, sess := range all {
		if sess.WorkDir == workDir {
			out = append(out, sess)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsTui && !out[j].IsTui })
	return out, nil
}

// nonServerForms are subcommands that never expose the agent HTTP API.
var nonServerForms = []string{"run", "auth", "upgrade", "models", "github", "generate"}

// matches reports whether a command line is an agent worth probing.
func (s *Scanner) matches(args string) bool {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return false
	}
	cmd := fields[0]
	if !strings.HasSuffix(cmd, "/"+s.binary) && cmd != s.binary {
		return false
	}
	if len(fields) > 1 {
		sub := fields[1]
		for _, form := range nonServerForms {
			if sub == form {
				return false
			}
		}
		if sub == "--version" || sub == "--help" {
			return false
		}
	}
	return true
}

func listProcsPS(ctx context.Context) ([]procEntry, error) {
	ps, err := exec.LookPath("ps")
	if err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, ps, "-eo", "pid=,args=").Output()
	if err != nil {
		return nil, err
	}

	var entries []procEntry
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidStr, args, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		entries = append(entries, procEntry{pid: pid, args: strings.TrimSpace(args)})
	}
	return entries, nil
}

func cwdViaLsof(ctx context.Context, pid int) (string, error) {
	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, lsof, "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") {
			return strings.TrimPrefix(line, "n"), nil
		}
	}
	return "", fmt.Errorf("no cwd entry for pid %d", pid)
}

func portsViaLsof(ctx context.Context, pid int) ([]int, error) {
	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, lsof,
		"-a", "-p", strconv.Itoa(pid), "-iTCP", "-sTCP:LISTEN", "-P", "-n", "-Fn").Output()
	if err != nil {
		// lsof exits nonzero when the process has no matching descriptors.
		return nil, nil
	}

	var ports []int
	seen := make(map[int]bool)
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "n") {
			continue
		}
		addr := strings.TrimPrefix(line, "n")
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(addr[idx+1:])
		if err != nil || seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports, nil
}
