// Package opencode is the HTTP + SSE client for one OpenCode server.
// Idempotent requests retry with exponential backoff; the event stream is a
// long-lived cancellable subscription.
package opencode

import "time"

// Event is one server-sent event from /event. Type comes from the SSE
// `event:` field or the payload's `type` field; Properties is the payload's
// `properties` object, or the whole payload when none is present.
type Event struct {
	Type       string
	Properties map[string]any
}

// Event types consumed by the streaming bridge.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventToolExecute        = "tool.execute"
	EventToolResult         = "tool.result"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
	EventSessionUpdated     = "session.updated"
	EventPermissionUpdated  = "permission.updated"
	EventPermissionReplied  = "permission.replied"
)

// SessionID extracts the session identifier from the places the agent puts it:
// properties.sessionID, properties.part.sessionID, properties.info.sessionID,
// and for session-scoped events properties.info.id.
func (e *Event) SessionID() string {
	if e.Properties == nil {
		return ""
	}
	if id, ok := e.Properties["sessionID"].(string); ok && id != "" {
		return id
	}
	for _, key := range []string{"part", "info", "message"} {
		nested, ok := e.Properties[key].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := nested["sessionID"].(string); ok && id != "" {
			return id
		}
	}
	// session.updated / session.idle carry the session object itself under info.
	if e.Type == EventSessionUpdated || e.Type == EventSessionIdle || e.Type == EventSessionError {
		if info, ok := e.Properties["info"].(map[string]any); ok {
			if id, ok := info["id"].(string); ok {
				return id
			}
		}
	}
	return ""
}

// Str returns a nested string property via a key path, or "".
func (e *Event) Str(path ...string) string {
	v := dig(e.Properties, path...)
	s, _ := v.(string)
	return s
}

// Num returns a nested numeric property via a key path, or 0.
func (e *Event) Num(path ...string) float64 {
	v := dig(e.Properties, path...)
	n, _ := v.(float64)
	return n
}

// Map returns a nested object property via a key path, or nil.
func (e *Event) Map(path ...string) map[string]any {
	v := dig(e.Properties, path...)
	m, _ := v.(map[string]any)
	return m
}

func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

// Session is one agent conversation, as reported by GET /session.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title,omitempty"`
	Directory string      `json:"directory"`
	ProjectID string      `json:"projectID,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime carries the agent's unix-ms timestamps.
type SessionTime struct {
	Created float64 `json:"created,omitempty"`
	Updated float64 `json:"updated,omitempty"`
}

// UpdatedAt returns the session's last-update time.
func (s *Session) UpdatedAt() time.Time {
	return time.UnixMilli(int64(s.Time.Updated))
}

// Health is the GET /global/health response.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}

// PermissionResponse values accepted by the agent.
const (
	PermissionOnce   = "once"
	PermissionAlways = "always"
	PermissionReject = "reject"
)
