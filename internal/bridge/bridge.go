package bridge

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
)

const (
	// Surface refresh throttle. Streaming previews tolerate a longer interval
	// because each edit carries the full text.
	streamingEditInterval = 3000 * time.Millisecond
	progressEditInterval  = 2000 * time.Millisecond

	// rateLimitCushion pads the surface's retry hint so the next call lands
	// safely past the window.
	rateLimitCushion = 500 * time.Millisecond

	finalizeAttempts = 6
)

// StatsRecorder receives per-topic activity counters as agent events arrive.
type StatsRecorder interface {
	RecordToolCall(chatID int64, topicID int) error
	RecordError(chatID int64, topicID int) error
}

// route is where a session's output goes.
type route struct {
	chatID    int64
	topicID   int
	streaming bool
	client    *opencode.Client
}

// PendingPermission tracks a prompt awaiting a button press.
type PendingPermission struct {
	PermissionID     string
	SessionID        string
	ChatID           int64
	TopicID          int
	SurfaceMessageID int
	Title            string
}

// Bridge mirrors agent events into chat topics.
type Bridge struct {
	surface Surface
	stats   StatsRecorder // optional
	log     *slog.Logger

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	mu      sync.Mutex
	routes  map[string]*route
	states  map[string]*StreamingState
	pending map[string]*PendingPermission

	messageRoles *boundedCache // sessionID+messageID -> role
	echoedUser   *boundedCache // user messages already mirrored
	fromSurface  *boundedCache // text we sent on behalf of chat users
}

// New creates a bridge over a chat surface.
func New(surface Surface) *Bridge {
	return &Bridge{
		surface: surface,
		log:     slog.With("component", "bridge"),
		now:     time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
		routes:       make(map[string]*route),
		states:       make(map[string]*StreamingState),
		pending:      make(map[string]*PendingPermission),
		messageRoles: newBoundedCache(),
		echoedUser:   newBoundedCache(),
		fromSurface:  newBoundedCache(),
	}
}

// SetStats wires the topic stats recorder. Tool starts and session errors
// bump the topic's counters.
func (b *Bridge) SetStats(rec StatsRecorder) {
	b.stats = rec
}

// Register binds a session to a chat topic. Events for unregistered sessions
// are ignored.
func (b *Bridge) Register(sessionID string, chatID int64, topicID int, streaming bool, client *opencode.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[sessionID] = &route{chatID: chatID, topicID: topicID, streaming: streaming, client: client}
}

// Unregister removes a session binding and its ephemeral state.
func (b *Bridge) Unregister(sessionID string) {
	b.mu.Lock()
	delete(b.routes, sessionID)
	delete(b.states, sessionID)
	for id, p := range b.pending {
		if p.SessionID == sessionID {
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()
	b.messageRoles.dropPrefix(sessionID + "\x00")
	b.echoedUser.dropPrefix(sessionID + "\x00")
	b.fromSurface.dropPrefix(sessionID + "\x00")
}

// Rebind moves a registration to a new session ID. Used when a placeholder
// session is promoted to the real one.
func (b *Bridge) Rebind(oldID, newID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.routes[oldID]; ok {
		delete(b.routes, oldID)
		b.routes[newID] = r
	}
	if st, ok := b.states[oldID]; ok {
		delete(b.states, oldID)
		st.SessionID = newID
		b.states[newID] = st
	}
}

// Registered reports whether a session has a route.
func (b *Bridge) Registered(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.routes[sessionID]
	return ok
}

// SetStreaming toggles streaming previews for a session.
func (b *Bridge) SetStreaming(sessionID string, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.routes[sessionID]; ok {
		r.streaming = enabled
	}
}

// NoteOutgoing records text the router just sent to the agent on behalf of a
// chat user, so its user-role echo on the event stream is suppressed.
func (b *Bridge) NoteOutgoing(sessionID, text string) {
	b.fromSurface.put(sessionID+"\x00"+normalizeEcho(text), "1")
}

// HandleEvent dispatches one agent event. Safe to call from multiple
// subscription goroutines.
func (b *Bridge) HandleEvent(ctx context.Context, ev opencode.Event) {
	sessionID := ev.SessionID()
	if sessionID == "" {
		return
	}
	b.mu.Lock()
	r, ok := b.routes[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Type {
	case opencode.EventMessageUpdated:
		b.onMessageUpdated(ctx, sessionID, r, &ev)
	case opencode.EventMessagePartUpdated:
		b.onPartUpdated(ctx, sessionID, r, &ev)
	case opencode.EventToolExecute:
		b.onToolExecute(ctx, sessionID, r, &ev)
	case opencode.EventToolResult:
		b.onToolResult(ctx, sessionID, r, &ev)
	case opencode.EventSessionIdle:
		b.finalize(ctx, sessionID, r)
	case opencode.EventSessionError:
		b.onSessionError(ctx, sessionID, r, &ev)
	case opencode.EventSessionUpdated:
		if ev.Str("info", "status") == "running" || ev.Str("status") == "running" {
			b.mu.Lock()
			b.ensureStateLocked(sessionID, r).Processing = true
			b.mu.Unlock()
		}
	case opencode.EventPermissionUpdated:
		b.onPermissionRequested(ctx, sessionID, r, &ev)
	case opencode.EventPermissionReplied:
		b.onPermissionReplied(ctx, &ev)
	}
}

func (b *Bridge) onMessageUpdated(ctx context.Context, sessionID string, r *route, ev *opencode.Event) {
	info := ev.Map("info")
	if info == nil {
		return
	}
	role, _ := info["role"].(string)
	msgID, _ := info["id"].(string)
	if msgID != "" {
		b.messageRoles.put(sessionID+"\x00"+msgID, role)
	}
	if role != "assistant" {
		return
	}

	b.mu.Lock()
	st := b.ensureStateLocked(sessionID, r)
	st.MessageID = msgID
	if tokens, ok := info["tokens"].(map[string]any); ok {
		st.Tokens = Tokens{
			Input:     intAt(tokens, "input"),
			Output:    intAt(tokens, "output"),
			Reasoning: intAt(tokens, "reasoning"),
			Cache:     intAt(tokens, "cache"),
		}
	}
	if model, ok := info["modelID"].(string); ok && model != "" {
		st.Model = model
	}
	b.mu.Unlock()

	b.refresh(ctx, sessionID, r, false)
}

func (b *Bridge) onPartUpdated(ctx context.Context, sessionID string, r *route, ev *opencode.Event) {
	part := ev.Map("part")
	if part == nil {
		return
	}
	ptype, _ := part["type"].(string)

	switch ptype {
	case "text", "reasoning":
		if ptype == "reasoning" {
			return
		}
		text, _ := part["text"].(string)
		msgID, _ := part["messageID"].(string)
		role, _ := b.messageRoles.get(sessionID + "\x00" + msgID)
		if role == "user" {
			b.echoUserText(ctx, sessionID, r, msgID, text)
			return
		}
		b.mu.Lock()
		st := b.ensureStateLocked(sessionID, r)
		st.Text = text
		b.mu.Unlock()
		b.refresh(ctx, sessionID, r, false)

	case "tool", "tool-invocation":
		callID, _ := part["callID"].(string)
		if callID == "" {
			callID, _ = part["id"].(string)
		}
		name, _ := part["tool"].(string)
		state, _ := part["state"].(map[string]any)
		status, _ := state["status"].(string)
		title, _ := state["title"].(string)

		b.mu.Lock()
		st := b.ensureStateLocked(sessionID, r)
		tool := st.toolByCallID(callID)
		isNew := tool == nil
		if isNew {
			tool = &ToolCall{Name: name, CallID: callID, StartedAt: b.now()}
			st.Tools = append(st.Tools, tool)
		}
		if title != "" {
			tool.Title = title
		}
		if status == "completed" || status == "error" {
			tool.CompletedAt = b.now()
		}
		b.mu.Unlock()
		if isNew {
			b.recordToolCall(r)
		}
		b.refresh(ctx, sessionID, r, isNew)

	case "step-finish":
		// Per-step bookkeeping only; the message.updated event carries totals.
	}
}

// echoUserText mirrors a user message typed in the agent's own UI into the
// topic, unless the bridge itself produced it.
func (b *Bridge) echoUserText(ctx context.Context, sessionID string, r *route, msgID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, fromUs := b.fromSurface.take(sessionID + "\x00" + normalizeEcho(text)); fromUs {
		// Remember the message so later part updates don't echo it either.
		b.echoedUser.put(sessionID+"\x00"+msgID, "suppressed")
		return
	}
	if _, already := b.echoedUser.get(sessionID + "\x00" + msgID); already {
		return
	}
	b.echoedUser.put(sessionID+"\x00"+msgID, "sent")

	body := "👤 <i>from agent UI:</i>\n" + html.EscapeString(text)
	if _, err := b.surface.Send(ctx, r.chatID, r.topicID, body, SendOptions{DisablePreview: true}); err != nil {
		b.log.Warn("echo send failed", "session_id", sessionID, "error", err)
	}
}

func (b *Bridge) onToolExecute(ctx context.Context, sessionID string, r *route, ev *opencode.Event) {
	name := ev.Str("tool")
	if name == "" {
		name = ev.Str("name")
	}
	callID := ev.Str("callID")

	b.mu.Lock()
	st := b.ensureStateLocked(sessionID, r)
	isNew := callID == "" || st.toolByCallID(callID) == nil
	if isNew {
		st.Tools = append(st.Tools, &ToolCall{Name: name, CallID: callID, StartedAt: b.now()})
	}
	b.mu.Unlock()
	if isNew {
		b.recordToolCall(r)
	}
	b.refresh(ctx, sessionID, r, true)
}

func (b *Bridge) recordToolCall(r *route) {
	if b.stats == nil {
		return
	}
	if err := b.stats.RecordToolCall(r.chatID, r.topicID); err != nil {
		b.log.Debug("tool call stat failed", "topic_id", r.topicID, "error", err)
	}
}

func (b *Bridge) recordError(r *route) {
	if b.stats == nil {
		return
	}
	if err := b.stats.RecordError(r.chatID, r.topicID); err != nil {
		b.log.Debug("error stat failed", "topic_id", r.topicID, "error", err)
	}
}

func (b *Bridge) onToolResult(ctx context.Context, sessionID string, r *route, ev *opencode.Event) {
	callID := ev.Str("callID")
	title := ev.Str("title")

	b.mu.Lock()
	st, ok := b.states[sessionID]
	if ok {
		if tool := st.toolByCallID(callID); tool != nil {
			tool.CompletedAt = b.now()
			if title != "" {
				tool.Title = title
			}
		}
	}
	b.mu.Unlock()
	if ok {
		b.refresh(ctx, sessionID, r, false)
	}
}

func (b *Bridge) onSessionError(ctx context.Context, sessionID string, r *route, ev *opencode.Event) {
	b.mu.Lock()
	st, ok := b.states[sessionID]
	var bubbleID int
	if ok {
		bubbleID = st.SurfaceMessageID
		delete(b.states, sessionID)
	}
	b.mu.Unlock()

	if bubbleID != 0 {
		b.surface.Delete(ctx, r.chatID, bubbleID)
	}

	msg := ev.Str("error")
	if msg == "" {
		msg = ev.Str("error", "message")
	}
	if msg == "" {
		msg = "unknown error"
	}
	b.recordError(r)
	body := "⚠️ <b>Agent error</b>\n<code>" + html.EscapeString(msg) + "</code>"
	if _, err := b.surface.Send(ctx, r.chatID, r.topicID, body, SendOptions{DisablePreview: true}); err != nil {
		b.log.Error("error notice send failed", "session_id", sessionID, "error", err)
	}
}

// ensureStateLocked returns the session's streaming state, creating it on the
// first assistant activity. Caller holds b.mu.
func (b *Bridge) ensureStateLocked(sessionID string, r *route) *StreamingState {
	st, ok := b.states[sessionID]
	if !ok {
		st = &StreamingState{
			SessionID:  sessionID,
			ChatID:     r.chatID,
			TopicID:    r.topicID,
			StartedAt:  b.now(),
			Processing: true,
		}
		b.states[sessionID] = st
	}
	return st
}

// refresh sends or edits the progress bubble, subject to the edit throttle.
func (b *Bridge) refresh(ctx context.Context, sessionID string, r *route, force bool) {
	interval := progressEditInterval
	if r.streaming {
		interval = streamingEditInterval
	}

	b.mu.Lock()
	st, ok := b.states[sessionID]
	if !ok || st.finalized {
		b.mu.Unlock()
		return
	}
	now := b.now()

	if st.SurfaceMessageID == 0 {
		if st.pendingSend {
			b.mu.Unlock()
			return
		}
		st.pendingSend = true
		body := renderProgress(st, r.streaming, now)
		b.mu.Unlock()

		msgID, err := b.surface.Send(ctx, r.chatID, r.topicID, body, SendOptions{DisablePreview: true})

		b.mu.Lock()
		st.pendingSend = false
		if err == nil {
			st.SurfaceMessageID = msgID
			st.LastSurfaceEdit = now
		}
		b.mu.Unlock()
		if err != nil {
			b.log.Warn("progress send failed", "session_id", sessionID, "error", err)
		}
		return
	}

	if !force && now.Sub(st.LastSurfaceEdit) < interval {
		b.mu.Unlock()
		return
	}
	st.LastSurfaceEdit = now
	body := renderProgress(st, r.streaming, now)
	msgID := st.SurfaceMessageID
	b.mu.Unlock()

	err := b.surface.Edit(ctx, r.chatID, msgID, body, SendOptions{DisablePreview: true})
	switch KindOf(err) {
	case KindRateLimited:
		// The timestamp was already advanced; further edits wait out the window
		// plus the cushion.
		if delay, ok := RetryAfterOf(err); ok {
			b.mu.Lock()
			st.LastSurfaceEdit = b.now().Add(delay + rateLimitCushion - interval)
			b.mu.Unlock()
		}
	case KindNotFound:
		// Bubble deleted by a user; start over on the next refresh.
		b.mu.Lock()
		st.SurfaceMessageID = 0
		b.mu.Unlock()
	case KindNotModified, KindOther:
		if err != nil && KindOf(err) == KindOther {
			b.log.Warn("progress edit failed", "session_id", sessionID, "error", err)
		}
	}
}

// finalize replaces the progress bubble with the formatted final text. This is
// the one surface update that must land, so it walks a retry ladder: wait out
// rate limits, drop formatting on parse errors, post anew when the bubble is
// gone, and treat not-modified as success. Repeat idle events are no-ops.
func (b *Bridge) finalize(ctx context.Context, sessionID string, r *route) {
	b.mu.Lock()
	st, ok := b.states[sessionID]
	if !ok || st.finalized {
		b.mu.Unlock()
		return
	}
	st.finalized = true
	st.Processing = false
	text := strings.TrimSpace(st.Text)
	bubbleID := st.SurfaceMessageID
	delete(b.states, sessionID)
	b.mu.Unlock()

	if text == "" {
		if bubbleID != 0 {
			b.surface.Delete(ctx, r.chatID, bubbleID)
		}
		return
	}

	body := renderFinal(text)
	opts := SendOptions{DisablePreview: true}

	for attempt := 0; attempt < finalizeAttempts; attempt++ {
		var err error
		if bubbleID == 0 {
			_, err = b.surface.Send(ctx, r.chatID, r.topicID, body, opts)
		} else {
			err = b.surface.Edit(ctx, r.chatID, bubbleID, body, opts)
		}

		switch KindOf(err) {
		case KindNotModified:
			return
		case KindRateLimited:
			delay, _ := RetryAfterOf(err)
			b.log.Info("finalize rate limited", "session_id", sessionID, "retry_after", delay)
			b.sleep(ctx, delay+rateLimitCushion)
		case KindParse:
			b.log.Warn("finalize parse error, dropping formatting", "session_id", sessionID)
			body = html.EscapeString(TruncateHTML(text, surfaceTextLimit))
			opts.Plain = true
		case KindNotFound:
			bubbleID = 0
		default:
			if err == nil {
				return
			}
			b.log.Warn("finalize attempt failed",
				"session_id", sessionID, "attempt", attempt+1, "error", err)
			b.sleep(ctx, time.Second)
		}
		if ctx.Err() != nil {
			return
		}
	}
	b.log.Error("finalize gave up", "session_id", sessionID)
}

// onPermissionRequested posts a prompt with once/always/reject buttons.
func (b *Bridge) onPermissionRequested(ctx context.Context, sessionID string, r *route, ev *opencode.Event) {
	permID := ev.Str("id")
	if permID == "" {
		permID = ev.Str("permissionID")
	}
	if permID == "" {
		return
	}
	title := ev.Str("title")
	if title == "" {
		title = ev.Str("pattern")
	}
	if title == "" {
		title = ev.Str("type")
	}

	b.mu.Lock()
	if _, dup := b.pending[permID]; dup {
		b.mu.Unlock()
		return
	}
	b.pending[permID] = &PendingPermission{
		PermissionID: permID,
		SessionID:    sessionID,
		ChatID:       r.chatID,
		TopicID:      r.topicID,
		Title:        title,
	}
	b.mu.Unlock()

	body := "🔐 <b>Permission requested</b>\n<code>" + html.EscapeString(title) + "</code>"
	keyboard := [][]Button{{
		{Label: "Allow once", Data: permCallbackData(permID, opencode.PermissionOnce)},
		{Label: "Always", Data: permCallbackData(permID, opencode.PermissionAlways)},
		{Label: "Reject", Data: permCallbackData(permID, opencode.PermissionReject)},
	}}
	msgID, err := b.surface.Send(ctx, r.chatID, r.topicID, body, SendOptions{DisablePreview: true, Keyboard: keyboard})
	if err != nil {
		b.log.Error("permission prompt send failed", "session_id", sessionID, "error", err)
		b.mu.Lock()
		delete(b.pending, permID)
		b.mu.Unlock()
		return
	}
	b.mu.Lock()
	if p, ok := b.pending[permID]; ok {
		p.SurfaceMessageID = msgID
	}
	b.mu.Unlock()
}

// onPermissionReplied overwrites the prompt with the outcome, whoever answered
// (a chat button or the agent's own UI).
func (b *Bridge) onPermissionReplied(ctx context.Context, ev *opencode.Event) {
	permID := ev.Str("permissionID")
	if permID == "" {
		permID = ev.Str("id")
	}
	response := ev.Str("response")

	b.mu.Lock()
	p, ok := b.pending[permID]
	if ok {
		delete(b.pending, permID)
	}
	b.mu.Unlock()
	if !ok || p.SurfaceMessageID == 0 {
		return
	}

	body := permOutcomeText(p.Title, response)
	if err := b.surface.Edit(ctx, p.ChatID, p.SurfaceMessageID, body, SendOptions{DisablePreview: true}); err != nil {
		if KindOf(err) != KindNotModified {
			b.log.Warn("permission outcome edit failed", "permission_id", permID, "error", err)
		}
	}
}

// RespondPermission answers a pending prompt from a surface callback and
// returns the outcome label to acknowledge the button press with.
func (b *Bridge) RespondPermission(ctx context.Context, permID, response string) (string, error) {
	b.mu.Lock()
	p, ok := b.pending[permID]
	var client *opencode.Client
	if ok {
		if r, live := b.routes[p.SessionID]; live {
			client = r.client
		}
	}
	b.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("permission %s not pending", permID)
	}
	if client == nil {
		return "", fmt.Errorf("no agent client for session %s", p.SessionID)
	}
	if err := client.RespondToPermission(ctx, p.SessionID, permID, response); err != nil {
		return "", err
	}

	// Overwrite the prompt right away; the replied event is a no-op after this.
	b.mu.Lock()
	delete(b.pending, permID)
	b.mu.Unlock()
	if p.SurfaceMessageID != 0 {
		body := permOutcomeText(p.Title, response)
		if err := b.surface.Edit(ctx, p.ChatID, p.SurfaceMessageID, body, SendOptions{DisablePreview: true}); err != nil && KindOf(err) != KindNotModified {
			b.log.Warn("permission outcome edit failed", "permission_id", permID, "error", err)
		}
	}
	return permOutcomeLabel(response), nil
}

// PendingPermissions snapshots outstanding prompts, for /status.
func (b *Bridge) PendingPermissions() []*PendingPermission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*PendingPermission, 0, len(b.pending))
	for _, p := range b.pending {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func permCallbackData(permID, response string) string {
	return "perm:" + permID + ":" + response
}

// ParsePermissionCallback splits callback data produced by permCallbackData.
func ParsePermissionCallback(data string) (permID, response string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != "perm" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func permOutcomeLabel(response string) string {
	switch response {
	case opencode.PermissionOnce:
		return "Allowed once"
	case opencode.PermissionAlways:
		return "Always allowed"
	case opencode.PermissionReject:
		return "Rejected"
	}
	return response
}

func permOutcomeText(title, response string) string {
	icon := "✅"
	if response == opencode.PermissionReject {
		icon = "🚫"
	}
	return fmt.Sprintf("%s <b>%s</b>\n<code>%s</code>", icon, permOutcomeLabel(response), html.EscapeString(title))
}

func intAt(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}
