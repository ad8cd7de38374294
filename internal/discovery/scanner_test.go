package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
)

// stubScanner wires canned process/port/cwd/session data into a Scanner.
func stubScanner(procs []procEntry, cwds map[int]string, ports map[int][]int, sessions map[int][]opencode.Session) *Scanner {
	s := NewScanner("opencode")
	s.listProcs = func(context.Context) ([]procEntry, error) { return procs, nil }
	s.cwdOf = func(_ context.Context, pid int) (string, error) {
		if cwd, ok := cwds[pid]; ok {
			return cwd, nil
		}
		return "", errors.New("no cwd")
	}
	s.portsOf = func(_ context.Context, pid int) ([]int, error) { return ports[pid], nil }
	s.sessionsOf = func(_ context.Context, port int) ([]opencode.Session, error) {
		if sess, ok := sessions[port]; ok {
			return sess, nil
		}
		return nil, errors.New("connection refused")
	}
	return s
}

func TestInstancesFiltersNonServerForms(t *testing.T) {
	procs := []procEntry{
		{pid: 100, args: "/usr/local/bin/opencode"},                   // TUI
		{pid: 101, args: "/usr/local/bin/opencode serve --port 4100"}, // managed
		{pid: 102, args: "/usr/local/bin/opencode run do the thing"},  // one-shot
		{pid: 103, args: "/usr/local/bin/opencode auth login"},        // auth
		{pid: 104, args: "vim opencode-notes.md"},                     // unrelated
		{pid: 105, args: "opencode"},                                  // bare name, no port
	}
	cwds := map[int]string{100: "/proj/a", 101: "/proj/b"}
	ports := map[int][]int{100: {4200}, 101: {4100}}
	sessions := map[int][]opencode.Session{
		4200: {{ID: "ses_tui", Directory: "/proj/a"}},
		4100: {{ID: "ses_srv", Directory: "/proj/b"}},
	}

	s := stubScanner(procs, cwds, ports, sessions)
	instances, err := s.Instances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("instances = %d, want 2", len(instances))
	}

	byPID := map[int]*Instance{}
	for _, inst := range instances {
		byPID[inst.PID] = inst
	}
	if tui := byPID[100]; tui == nil || !tui.IsTui || tui.WorkDir != "/proj/a" || tui.Port != 4200 {
		t.Errorf("tui instance = %+v", tui)
	}
	if srv := byPID[101]; srv == nil || srv.IsTui {
		t.Errorf("serve instance = %+v", srv)
	}
}

func TestInstancesSkipsUnresponsive(t *testing.T) {
	procs := []procEntry{{pid: 100, args: "opencode"}}
	s := stubScanner(procs, map[int]string{100: "/p"}, map[int][]int{100: {4300}}, nil)
	instances, err := s.Instances(context.Background())
	if err != nil || len(instances) != 0 {
		t.Errorf("instances = %v, %v; want none", instances, err)
	}
}

func TestDiscoverSessionsDedupeAndOnlyActive(t *testing.T) {
	procs := []procEntry{
		{pid: 1, args: "opencode"},
		{pid: 2, args: "opencode serve --port 4101"},
	}
	cwds := map[int]string{1: "/proj/a", 2: "/proj/a"}
	ports := map[int][]int{1: {4201}, 2: {4101}}
	sessions := map[int][]opencode.Session{
		4201: {
			{ID: "ses_old", Directory: "/proj/a", Time: opencode.SessionTime{Updated: 1000}},
			{ID: "ses_new", Directory: "/proj/a", Time: opencode.SessionTime{Updated: 2000}},
		},
		// Same session visible through a second process.
		4101: {{ID: "ses_new", Directory: "/proj/a", Time: opencode.SessionTime{Updated: 2000}}},
	}

	s := stubScanner(procs, cwds, ports, sessions)

	all, err := s.DiscoverSessions(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("sessions = %d, want 2 (deduped)", len(all))
	}

	active, err := s.DiscoverSessions(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Session.ID != "ses_new" {
		t.Fatalf("active = %+v, want only ses_new", active)
	}
	if !active[0].IsTui {
		t.Error("session should carry the TUI process, not the serve one")
	}
}

func TestFindInWorkDirPrefersTui(t *testing.T) {
	procs := []procEntry{
		{pid: 1, args: "opencode serve --port 4102"},
		{pid: 2, args: "opencode"},
	}
	cwds := map[int]string{1: "/proj/w", 2: "/proj/w"}
	ports := map[int][]int{1: {4102}, 2: {4202}}
	sessions := map[int][]opencode.Session{
		4102: {{ID: "ses_srv", Directory: "/proj/w", Time: opencode.SessionTime{Updated: 500}}},
		4202: {{ID: "ses_tui", Directory: "/proj/w", Time: opencode.SessionTime{Updated: 500}}},
	}

	s := stubScanner(procs, cwds, ports, sessions)
	found, err := s.FindInWorkDir(context.Background(), "/proj/w")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("found = %d", len(found))
	}
	if !found[0].IsTui || found[0].Session.ID != "ses_tui" {
		t.Errorf("TUI not preferred: %+v", found[0])
	}
}

func TestScannerUnavailableMeansEmpty(t *testing.T) {
	s := NewScanner("opencode")
	s.listProcs = func(context.Context) ([]procEntry, error) { return nil, errors.New("ps: not found") }
	instances, err := s.Instances(context.Background())
	if err != nil || instances != nil {
		t.Errorf("want empty result on missing ps, got %v, %v", instances, err)
	}
}
