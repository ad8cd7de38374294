// Package router is the single entry point for inbound topic messages. It
// resolves where a topic's text goes, in precedence order: an external
// registration, an attached discovered session, a local TUI agent found in
// the topic's work dir, and finally a managed instance from the orchestrator.
package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/bridge"
	"github.com/nextlevelbuilder/topiclaw/internal/bus"
	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/discovery"
	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
	"github.com/nextlevelbuilder/topiclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

// bindWait bounds how long a message waits for a fresh instance to get its
// session bound.
const bindWait = 30 * time.Second

// Inbound is one user message addressed to a topic.
type Inbound struct {
	TopicID   int
	TopicName string
	UserID    int64
	Text      string
}

// attachment is a live link to a discovered (non-managed) agent session.
type attachment struct {
	sessionID string
	port      int
	pid       int
	isTui     bool
	client    *opencode.Client
	cancel    func()
}

// Router routes user messages to agents and binds sessions on instance-ready.
type Router struct {
	chatID           int64
	projectBase      string
	streamingDefault atomic.Bool // hot-reloadable

	mgr      *orchestrator.Manager
	topics   *store.TopicStore
	bridge   *bridge.Bridge
	scanner  *discovery.Scanner
	external *ExternalRegistry
	surface  bridge.Surface
	events   *bus.Dispatcher
	log      *slog.Logger

	baseCtx context.Context

	// test seams
	newClient    func(port int) *opencode.Client
	sessionAlive func(ctx context.Context, port int, sessionID string) bool

	mu          sync.Mutex
	attached    map[int]*attachment // topicID -> discovered session
	managedSubs map[string]func()   // instanceID -> SSE cancel
	bound       map[string]string   // instanceID -> bound sessionID
}

// New wires the router.
func New(cfg *config.Config, mgr *orchestrator.Manager, topics *store.TopicStore,
	br *bridge.Bridge, scanner *discovery.Scanner, external *ExternalRegistry,
	surface bridge.Surface, events *bus.Dispatcher) *Router {
	r := &Router{
		chatID:      cfg.Telegram.ChatID,
		projectBase: cfg.Orchestrator.ProjectBase,
		mgr:         mgr,
		topics:      topics,
		bridge:      br,
		scanner:     scanner,
		external:    external,
		surface:     surface,
		events:      events,
		log:         slog.With("component", "router"),
		newClient: func(port int) *opencode.Client {
			return opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port))
		},
		sessionAlive: discovery.IsSessionAlive,
		attached:     make(map[int]*attachment),
		managedSubs:  make(map[string]func()),
		bound:        make(map[string]string),
	}
	r.streamingDefault.Store(cfg.Telegram.StreamingDefault)
	return r
}

// SetStreamingDefault swaps the default streaming preference applied to new
// mappings. Existing mappings keep their stored flag.
func (r *Router) SetStreamingDefault(enabled bool) {
	r.streamingDefault.Store(enabled)
}

// Start subscribes the router to instance lifecycle events. ctx scopes all
// SSE subscriptions the router opens.
func (r *Router) Start(ctx context.Context) {
	r.baseCtx = ctx
	r.events.Subscribe(ctx, "router", func(ev bus.Event) {
		switch ev.Type {
		case bus.InstanceReady:
			r.bindInstance(ctx, ev)
		case bus.InstanceStopped, bus.InstanceFailed, bus.InstanceIdleTimeout:
			r.dropManaged(ev.InstanceID)
		case bus.InstanceCrashed:
			if !ev.WillRestart {
				r.dropManaged(ev.InstanceID)
			}
		}
	})
}

// HandleMessage routes one inbound message, applying the attachment
// precedence and sending user-facing notices for failures.
func (r *Router) HandleMessage(ctx context.Context, msg Inbound) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	// 1. External registration wins.
	if ext, ok := r.external.ByTopic(msg.TopicID); ok {
		r.bridge.NoteOutgoing(ext.SessionID, text)
		if err := ext.Client.SendAsync(ctx, ext.SessionID, text); err != nil {
			r.notify(ctx, msg.TopicID, "⚠️ Delivery to the registered agent failed: "+html.EscapeString(err.Error()))
			return err
		}
		r.external.Touch(ext.ProjectPath)
		r.topics.RecordMessage(r.chatID, msg.TopicID)
		return nil
	}

	mapping := r.ensureMapping(msg)

	// 2. Attached discovered session.
	r.mu.Lock()
	att := r.attached[msg.TopicID]
	r.mu.Unlock()
	if att != nil {
		dead, err := r.sendAttached(ctx, msg.TopicID, att, text)
		if err == nil {
			r.topics.RecordMessage(r.chatID, msg.TopicID)
			return nil
		}
		if !dead {
			r.notify(ctx, msg.TopicID, "⚠️ Send to the attached agent failed: "+html.EscapeString(err.Error()))
			r.topics.RecordError(r.chatID, msg.TopicID)
			return err
		}
		// Attachment declared dead; rediscover in the same work dir.
		if reattached, err := r.reconnect(ctx, msg.TopicID, mapping.WorkDir); err == nil {
			r.bridge.NoteOutgoing(reattached.sessionID, text)
			if err := reattached.client.SendAsync(ctx, reattached.sessionID, text); err == nil {
				r.topics.RecordMessage(r.chatID, msg.TopicID)
				return nil
			}
		}
		r.notify(ctx, msg.TopicID, "⚠️ Lost the attached agent and could not reconnect. Starting a managed instance instead.")
	}

	// 3. Probe for a local TUI agent in the work dir before spawning.
	if att == nil && mapping.WorkDir != "" {
		if found, err := r.scanner.FindInWorkDir(ctx, mapping.WorkDir); err == nil {
			for _, sess := range found {
				if !sess.IsTui {
					continue
				}
				if a, err := r.Attach(ctx, msg.TopicID, sess); err == nil {
					r.bridge.NoteOutgoing(a.sessionID, text)
					if err := a.client.SendAsync(ctx, a.sessionID, text); err == nil {
						r.notify(ctx, msg.TopicID, "🔗 Attached to the OpenCode agent already running in <code>"+html.EscapeString(mapping.WorkDir)+"</code>")
						r.topics.RecordMessage(r.chatID, msg.TopicID)
						return nil
					}
				}
				break
			}
		}
	}

	// 4. Managed instance.
	return r.sendManaged(ctx, msg, mapping, text)
}

// ensureMapping returns the topic's mapping, creating a placeholder one (and
// its work dir) for a topic seen for the first time.
func (r *Router) ensureMapping(msg Inbound) *store.Mapping {
	mapping, err := r.topics.GetMapping(r.chatID, msg.TopicID)
	if err == nil {
		return mapping
	}

	name := msg.TopicName
	if name == "" {
		name = fmt.Sprintf("topic-%d", msg.TopicID)
	}
	workDir := filepath.Join(r.projectBase, Slugify(name))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		r.log.Error("work dir create failed", "work_dir", workDir, "error", err)
	}

	mapping = &store.Mapping{
		ChatID:           r.chatID,
		TopicID:          msg.TopicID,
		TopicName:        name,
		SessionID:        fmt.Sprintf("%s%d", store.PlaceholderPrefix, time.Now().UnixMilli()),
		WorkDir:          workDir,
		StreamingEnabled: r.streamingDefault.Load(),
		CreatorUserID:    msg.UserID,
	}
	if err := r.topics.CreateMapping(mapping); err != nil {
		r.log.Error("mapping create failed", "topic_id", msg.TopicID, "error", err)
	}
	r.topics.AppendEvent(&store.TopicEvent{
		ChatID: r.chatID, TopicID: msg.TopicID, Type: store.EventCreated, UserID: msg.UserID,
	})
	return mapping
}

// sendAttached forwards to a discovered session. On failure it probes the
// session and reports dead=true after detaching a gone one; a transient error
// against a live session leaves the attachment in place.
func (r *Router) sendAttached(ctx context.Context, topicID int, att *attachment, text string) (dead bool, err error) {
	r.bridge.NoteOutgoing(att.sessionID, text)
	err = att.client.SendAsync(ctx, att.sessionID, text)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, opencode.ErrSessionNotFound) || !r.sessionAlive(ctx, att.port, att.sessionID) {
		r.log.Info("attached session dead, detaching",
			"topic_id", topicID, "session_id", att.sessionID, "port", att.port)
		r.Detach(topicID)
		return true, err
	}
	return false, err
}

// reconnect scans the work dir for a replacement TUI agent and attaches it.
func (r *Router) reconnect(ctx context.Context, topicID int, workDir string) (*attachment, error) {
	if workDir == "" {
		return nil, errors.New("no work dir to rediscover in")
	}
	found, err := r.scanner.FindInWorkDir(ctx, workDir)
	if err != nil {
		return nil, err
	}
	for _, sess := range found {
		if !sess.IsTui {
			continue
		}
		att, err := r.Attach(ctx, topicID, sess)
		if err != nil {
			continue
		}
		r.notify(ctx, topicID, fmt.Sprintf("🔄 Reconnected to agent in <code>%s</code> (session <code>%s</code>)",
			html.EscapeString(workDir), html.EscapeString(shortID(sess.Session.ID))))
		return att, nil
	}
	return nil, errors.New("no TUI agent found in work dir")
}

// Attach links a topic to a discovered session: subscribe to its events,
// register the bridge, and persist the session on the mapping.
func (r *Router) Attach(ctx context.Context, topicID int, sess discovery.Session) (*attachment, error) {
	client := r.newClient(sess.Port)

	streaming := r.streamingDefault.Load()
	var oldSessionID string
	if mapping, err := r.topics.GetMapping(r.chatID, topicID); err == nil {
		streaming = mapping.StreamingEnabled
		oldSessionID = mapping.SessionID
	}

	subCtx := r.baseCtx
	if subCtx == nil {
		subCtx = context.Background()
	}
	cancel, err := client.Subscribe(subCtx,
		func(ev opencode.Event) { r.bridge.HandleEvent(subCtx, ev) },
		func(err error) {
			r.log.Warn("attached agent event stream lost", "topic_id", topicID, "error", err)
		})
	if err != nil {
		return nil, fmt.Errorf("subscribe to discovered agent: %w", err)
	}

	r.Detach(topicID)
	if oldSessionID != "" && oldSessionID != sess.Session.ID {
		r.bridge.Unregister(oldSessionID)
		r.topics.UpdateSessionID(r.chatID, topicID, sess.Session.ID)
	}
	if sess.WorkDir != "" {
		r.topics.UpdateWorkDir(r.chatID, topicID, sess.WorkDir)
	}
	r.bridge.Register(sess.Session.ID, r.chatID, topicID, streaming, client)

	att := &attachment{
		sessionID: sess.Session.ID,
		port:      sess.Port,
		pid:       sess.PID,
		isTui:     sess.IsTui,
		client:    client,
		cancel:    cancel,
	}
	r.mu.Lock()
	r.attached[topicID] = att
	r.mu.Unlock()
	return att, nil
}

// Detach tears down a topic's discovered-session link, if any.
func (r *Router) Detach(topicID int) {
	r.mu.Lock()
	att := r.attached[topicID]
	delete(r.attached, topicID)
	r.mu.Unlock()
	if att != nil {
		att.cancel()
		r.bridge.Unregister(att.sessionID)
	}
}

// Attachment reports the discovered session linked to a topic.
func (r *Router) Attachment(topicID int) (sessionID string, port int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if att := r.attached[topicID]; att != nil {
		return att.sessionID, att.port, true
	}
	return "", 0, false
}

// sendManaged routes through the orchestrator, spawning if needed and waiting
// for the session binding.
func (r *Router) sendManaged(ctx context.Context, msg Inbound, mapping *store.Mapping, text string) error {
	instanceID := orchestrator.InstanceIDForTopic(msg.TopicID)

	if _, live := r.mgr.Get(instanceID); !live {
		r.notify(ctx, msg.TopicID, "⏳ Starting OpenCode instance...")
	}

	info, err := r.mgr.GetOrCreate(ctx, msg.TopicID, mapping.WorkDir, orchestrator.Options{Name: mapping.TopicName})
	if err != nil {
		r.notify(ctx, msg.TopicID, "❌ Could not start the agent: "+html.EscapeString(err.Error()))
		r.topics.RecordError(r.chatID, msg.TopicID)
		return err
	}

	sessionID, err := r.waitForBinding(ctx, instanceID)
	if err != nil {
		r.notify(ctx, msg.TopicID, "❌ The agent started but no session came up: "+html.EscapeString(err.Error()))
		r.topics.RecordError(r.chatID, msg.TopicID)
		return err
	}

	client, ok := r.mgr.ClientFor(instanceID)
	if !ok {
		return fmt.Errorf("instance %s vanished after binding", instanceID)
	}

	r.mgr.RecordActivity(instanceID)
	r.bridge.NoteOutgoing(sessionID, text)
	if err := client.SendAsync(ctx, sessionID, text); err != nil {
		r.notify(ctx, msg.TopicID, "⚠️ Send failed: "+html.EscapeString(err.Error()))
		r.topics.RecordError(r.chatID, msg.TopicID)
		return err
	}
	r.topics.RecordMessage(r.chatID, msg.TopicID)
	r.log.Debug("message routed to managed instance",
		"topic_id", msg.TopicID, "instance_id", instanceID, "port", info.Port)
	return nil
}

// waitForBinding blocks until the instance-ready subscriber has bound a
// session for the instance.
func (r *Router) waitForBinding(ctx context.Context, instanceID string) (string, error) {
	deadline := time.After(bindWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		sessionID := r.bound[instanceID]
		r.mu.Unlock()
		if sessionID != "" {
			return sessionID, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", fmt.Errorf("no session bound for %s within %s", instanceID, bindWait)
		case <-ticker.C:
		}
	}
}

// bindInstance runs on instance:ready. It picks the agent session whose
// directory matches the instance's work dir, creating one when there is no
// match, then promotes any placeholder mapping and registers the bridge.
func (r *Router) bindInstance(ctx context.Context, ev bus.Event) {
	client := r.newClient(ev.Port)

	sessionID, err := r.resolveSession(ctx, client, ev.WorkDir)
	if err != nil {
		r.log.Error("session binding failed",
			"instance_id", ev.InstanceID, "port", ev.Port, "error", err)
		return
	}

	if err := r.mgr.BindSession(ev.InstanceID, sessionID); err != nil {
		r.log.Warn("session persist failed", "instance_id", ev.InstanceID, "error", err)
	}

	streaming := r.streamingDefault.Load()
	if mapping, err := r.topics.GetMapping(r.chatID, ev.TopicID); err == nil {
		streaming = mapping.StreamingEnabled
		if mapping.SessionID != sessionID {
			if err := r.topics.UpdateSessionID(r.chatID, ev.TopicID, sessionID); err != nil {
				r.log.Warn("mapping session update failed", "topic_id", ev.TopicID, "error", err)
			}
			if store.IsPlaceholderSession(mapping.SessionID) {
				r.bridge.Rebind(mapping.SessionID, sessionID)
			}
		}
	}

	r.bridge.Register(sessionID, r.chatID, ev.TopicID, streaming, client)

	subCtx := r.baseCtx
	if subCtx == nil {
		subCtx = context.Background()
	}
	cancel, err := client.Subscribe(subCtx,
		func(e opencode.Event) { r.bridge.HandleEvent(subCtx, e) },
		func(err error) {
			r.log.Warn("managed agent event stream lost", "instance_id", ev.InstanceID, "error", err)
		})
	if err != nil {
		r.log.Error("event subscription failed", "instance_id", ev.InstanceID, "error", err)
	}

	r.mu.Lock()
	if prev := r.managedSubs[ev.InstanceID]; prev != nil {
		prev()
	}
	if cancel != nil {
		r.managedSubs[ev.InstanceID] = cancel
	}
	r.bound[ev.InstanceID] = sessionID
	r.mu.Unlock()

	r.log.Info("session bound",
		"instance_id", ev.InstanceID, "session_id", sessionID, "topic_id", ev.TopicID)
}

// resolveSession finds the agent session for a work dir, newest first, or
// creates one.
func (r *Router) resolveSession(ctx context.Context, client *opencode.Client, workDir string) (string, error) {
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	var best *opencode.Session
	for i := range sessions {
		sess := &sessions[i]
		if sess.Directory != workDir {
			continue
		}
		if best == nil || sess.Time.Updated > best.Time.Updated {
			best = sess
		}
	}
	if best != nil {
		return best.ID, nil
	}

	created, err := client.CreateSession(ctx, "")
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return created.ID, nil
}

// dropManaged tears down the subscription and bridge route for a stopped or
// failed instance.
func (r *Router) dropManaged(instanceID string) {
	r.mu.Lock()
	cancel := r.managedSubs[instanceID]
	delete(r.managedSubs, instanceID)
	sessionID := r.bound[instanceID]
	delete(r.bound, instanceID)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sessionID != "" {
		r.bridge.Unregister(sessionID)
	}
}

// BoundSession reports the session bound to a managed instance.
func (r *Router) BoundSession(instanceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.bound[instanceID]
	return sessionID, ok && sessionID != ""
}

// Shutdown cancels every subscription the router owns.
func (r *Router) Shutdown() {
	r.mu.Lock()
	subs := make([]func(), 0, len(r.managedSubs)+len(r.attached))
	for _, cancel := range r.managedSubs {
		subs = append(subs, cancel)
	}
	for _, att := range r.attached {
		subs = append(subs, att.cancel)
	}
	r.managedSubs = make(map[string]func())
	r.attached = make(map[int]*attachment)
	r.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

// notify posts a short notice into the topic, best effort.
func (r *Router) notify(ctx context.Context, topicID int, text string) {
	if _, err := r.surface.Send(ctx, r.chatID, topicID, text, bridge.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("notice send failed", "topic_id", topicID, "error", err)
	}
}

// Slugify turns a topic name into a directory name.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, ch := range strings.ToLower(name) {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			b.WriteRune(ch)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
