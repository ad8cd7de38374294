package bridge

import (
	"strings"
	"sync"
	"time"
)

// cacheCap / cacheTrim bound the role and echo caches. When a cache exceeds
// the cap the oldest entries are trimmed down to the low-water mark.
const (
	cacheCap  = 100
	cacheTrim = 50
)

// ToolCall tracks one tool invocation inside a generation.
type ToolCall struct {
	Name        string
	CallID      string
	Title       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Done reports whether the tool has finished.
func (t *ToolCall) Done() bool { return !t.CompletedAt.IsZero() }

// Tokens accumulates usage reported by the agent.
type Tokens struct {
	Input     int
	Output    int
	Reasoning int
	Cache     int
}

// Total sums all token classes.
func (t Tokens) Total() int { return t.Input + t.Output + t.Reasoning + t.Cache }

// StreamingState is the ephemeral per-generation state behind one progress
// bubble. Created on the first assistant event, destroyed on session idle or
// session error.
type StreamingState struct {
	SessionID        string
	MessageID        string // agent-side message being generated
	SurfaceMessageID int    // progress bubble on the chat surface
	ChatID           int64
	TopicID          int

	Text            string
	Tools           []*ToolCall
	StartedAt       time.Time
	LastSurfaceEdit time.Time
	Processing      bool
	Tokens          Tokens
	Model           string

	// pendingSend guards against two concurrent first-sends of the bubble.
	pendingSend bool
	finalized   bool
}

func (s *StreamingState) toolByCallID(callID string) *ToolCall {
	for _, t := range s.Tools {
		if t.CallID == callID {
			return t
		}
	}
	return nil
}

// boundedCache is a small insertion-ordered string cache used for message
// roles, echoed-message tracking, and echo suppression.
type boundedCache struct {
	mu    sync.Mutex
	order []string
	items map[string]string
}

func newBoundedCache() *boundedCache {
	return &boundedCache{items: make(map[string]string)}
}

func (c *boundedCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = value
	if len(c.order) > cacheCap {
		drop := c.order[:len(c.order)-cacheTrim]
		c.order = append([]string(nil), c.order[len(c.order)-cacheTrim:]...)
		for _, k := range drop {
			delete(c.items, k)
		}
	}
}

func (c *boundedCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *boundedCache) take(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if ok {
		delete(c.items, key)
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	return v, ok
}

// dropPrefix removes every key beginning with prefix. Used when a session's
// state is evicted.
func (c *boundedCache) dropPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	for _, k := range c.order {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

// normalizeEcho canonicalizes message text for echo comparison.
func normalizeEcho(text string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}
