package router

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
)

// ExternalInstance is an agent registered through the registration API. The
// registry owns its SSE subscription handle; the orchestrator never touches
// external agents.
type ExternalInstance struct {
	ID             string // registration ID handed back to the caller
	ProjectPath    string
	ProjectName    string
	AgentPort      int
	SessionID      string
	TopicID        int
	RegisteredAt   time.Time
	LastActivityAt time.Time

	Client       *opencode.Client
	CancelEvents func()
}

// ExternalRegistry indexes external instances by project path and topic.
type ExternalRegistry struct {
	mu      sync.Mutex
	byPath  map[string]*ExternalInstance
	byTopic map[int]*ExternalInstance
}

// NewExternalRegistry creates an empty registry.
func NewExternalRegistry() *ExternalRegistry {
	return &ExternalRegistry{
		byPath:  make(map[string]*ExternalInstance),
		byTopic: make(map[int]*ExternalInstance),
	}
}

// Add registers an instance, replacing any previous registration for the same
// project path. The displaced instance is returned so the caller can tear
// down its subscription.
func (r *ExternalRegistry) Add(inst *ExternalInstance) *ExternalInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byPath[inst.ProjectPath]
	if prev != nil {
		delete(r.byTopic, prev.TopicID)
	}
	r.byPath[inst.ProjectPath] = inst
	r.byTopic[inst.TopicID] = inst
	return prev
}

// Remove drops a registration by project path.
func (r *ExternalRegistry) Remove(projectPath string) (*ExternalInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byPath[projectPath]
	if !ok {
		return nil, false
	}
	delete(r.byPath, projectPath)
	delete(r.byTopic, inst.TopicID)
	return inst, true
}

// ByPath looks up a registration by project path.
func (r *ExternalRegistry) ByPath(projectPath string) (*ExternalInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byPath[projectPath]
	return inst, ok
}

// ByTopic looks up a registration by forum topic.
func (r *ExternalRegistry) ByTopic(topicID int) (*ExternalInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byTopic[topicID]
	return inst, ok
}

// Touch updates the activity timestamp for a project.
func (r *ExternalRegistry) Touch(projectPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.byPath[projectPath]; ok {
		inst.LastActivityAt = time.Now()
	}
}

// List snapshots all registrations.
func (r *ExternalRegistry) List() []*ExternalInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ExternalInstance, 0, len(r.byPath))
	for _, inst := range r.byPath {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of registrations.
func (r *ExternalRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPath)
}
