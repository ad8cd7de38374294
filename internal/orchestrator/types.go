// Package orchestrator spawns and supervises local OpenCode server processes,
// one per Telegram forum topic. The Manager is the single writer of instance
// state; every transition is mirrored to the state store so a restart of the
// supervisor itself can recover.
package orchestrator

import (
	"fmt"
	"time"
)

// State is an instance lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

// legalTransitions encodes the lifecycle graph. Any state may crash; failed
// and stopped are re-enterable via a fresh start.
var legalTransitions = map[State][]State{
	StateStarting: {StateRunning, StateCrashed, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped, StateCrashed},
	StateStopped:  {StateStarting},
	StateCrashed:  {StateStarting, StateFailed},
	StateFailed:   {StateStarting},
}

func canTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Info is the public snapshot of one managed instance.
type Info struct {
	InstanceID   string    `json:"instance_id"`
	TopicID      int       `json:"topic_id"`
	Port         int       `json:"port"`
	WorkDir      string    `json:"work_dir"`
	Name         string    `json:"name,omitempty"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	RestartCount int       `json:"restart_count,omitempty"`
}

// BaseURL returns the agent endpoint for this instance.
func (i *Info) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.Port)
}

// Options tune instance creation.
type Options struct {
	Name string
	Env  map[string]string
}

// InstanceIDForTopic derives the stable instance ID for a topic.
func InstanceIDForTopic(topicID int) string {
	return fmt.Sprintf("topic-%d", topicID)
}
