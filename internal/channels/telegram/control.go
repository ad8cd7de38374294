package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/topiclaw/internal/bridge"
	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/discovery"
	"github.com/nextlevelbuilder/topiclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/topiclaw/internal/router"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

// ControlPlane executes operator commands from the control topic: session
// listing, connect/disconnect, project creation, status, streaming toggles.
type ControlPlane struct {
	cfg      config.Config
	surface  *Surface
	router   *router.Router
	mgr      *orchestrator.Manager
	topics   *store.TopicStore
	scanner  *discovery.Scanner
	external *router.ExternalRegistry
	bridge   *bridge.Bridge
	log      *slog.Logger
}

// NewControlPlane wires the command handlers.
func NewControlPlane(cfg config.Config, surface *Surface, rt *router.Router, mgr *orchestrator.Manager,
	topics *store.TopicStore, scanner *discovery.Scanner, external *router.ExternalRegistry, br *bridge.Bridge) *ControlPlane {
	return &ControlPlane{
		cfg:      cfg,
		surface:  surface,
		router:   rt,
		mgr:      mgr,
		topics:   topics,
		scanner:  scanner,
		external: external,
		bridge:   br,
		log:      slog.With("component", "control"),
	}
}

func (p *ControlPlane) controlTopicID() int {
	if p.cfg.Telegram.ControlTopicID > 0 {
		return p.cfg.Telegram.ControlTopicID
	}
	return telegramGeneralTopicID
}

// HandleCommand runs a slash command. Returns false for text that should be
// forwarded to the agent instead (unknown commands in project topics pass
// through, opencode has slash commands of its own).
func (p *ControlPlane) HandleCommand(ctx context.Context, msg *telego.Message, topicID int) bool {
	cmd, args := splitCommand(msg.Text)
	inControl := topicID == p.controlTopicID()

	switch cmd {
	case "stream":
		// Works in any mapped topic; in the control topic it takes a topic ID.
		p.cmdStream(ctx, topicID, inControl, args)
		return true
	case "list", "connect", "disconnect", "new", "status", "projects", "help", "start":
		if !inControl && cmd != "help" && cmd != "start" {
			p.reply(ctx, topicID, "Control commands live in the control topic.")
			return true
		}
	default:
		if inControl {
			p.reply(ctx, topicID, "Unknown command. Try /help.")
			return true
		}
		return false
	}

	switch cmd {
	case "list":
		p.cmdList(ctx, topicID)
	case "connect":
		p.cmdConnect(ctx, topicID, args)
	case "disconnect":
		p.cmdDisconnect(ctx, topicID, args)
	case "new":
		p.cmdNew(ctx, topicID, msg, args)
	case "status":
		p.cmdStatus(ctx, topicID)
	case "projects":
		p.cmdProjects(ctx, topicID)
	case "help", "start":
		p.cmdHelp(ctx, topicID)
	}
	return true
}

func (p *ControlPlane) cmdList(ctx context.Context, topicID int) {
	var b strings.Builder

	managed := p.mgr.List()
	fmt.Fprintf(&b, "<b>Managed</b> (%d)\n", len(managed))
	for _, inst := range managed {
		fmt.Fprintf(&b, "• topic %d — %s :%d <code>%s</code>\n",
			inst.TopicID, inst.State, inst.Port, html.EscapeString(shortDir(inst.WorkDir)))
	}

	ext := p.external.List()
	fmt.Fprintf(&b, "\n<b>External</b> (%d)\n", len(ext))
	for _, inst := range ext {
		fmt.Fprintf(&b, "• %s :%d topic %d\n",
			html.EscapeString(inst.ProjectName), inst.AgentPort, inst.TopicID)
	}

	discovered, err := p.scanner.DiscoverSessions(ctx, true)
	if err != nil {
		fmt.Fprintf(&b, "\n<b>Discovered</b>: scan failed (%s)\n", html.EscapeString(err.Error()))
	} else {
		fmt.Fprintf(&b, "\n<b>Discovered</b> (%d)\n", len(discovered))
		for _, sess := range discovered {
			kind := "serve"
			if sess.IsTui {
				kind = "tui"
			}
			fmt.Fprintf(&b, "• <code>%s</code> %s :%d <code>%s</code>\n",
				html.EscapeString(shortSession(sess.Session.ID)), kind, sess.Port,
				html.EscapeString(shortDir(sess.WorkDir)))
		}
	}
	p.reply(ctx, topicID, b.String())
}

// cmdConnect binds a discovered session to a fresh topic.
func (p *ControlPlane) cmdConnect(ctx context.Context, topicID int, args []string) {
	if len(args) == 0 {
		p.reply(ctx, topicID, "Usage: /connect &lt;session-prefix | workdir&gt;")
		return
	}
	query := args[0]

	discovered, err := p.scanner.DiscoverSessions(ctx, true)
	if err != nil {
		p.reply(ctx, topicID, "Scan failed: "+html.EscapeString(err.Error()))
		return
	}
	var match *discovery.Session
	for i := range discovered {
		if strings.HasPrefix(discovered[i].Session.ID, query) || strings.Contains(discovered[i].WorkDir, query) {
			match = &discovered[i]
			break
		}
	}
	if match == nil {
		p.reply(ctx, topicID, "No running session matches <code>"+html.EscapeString(query)+"</code>. Try /list.")
		return
	}

	name := filepath.Base(match.WorkDir)
	if name == "" || name == "." || name == "/" {
		name = shortSession(match.Session.ID)
	}
	newTopicID, err := p.surface.CreateTopic(ctx, p.cfg.Telegram.ChatID, name)
	if err != nil {
		p.reply(ctx, topicID, "Topic creation failed: "+html.EscapeString(err.Error()))
		return
	}

	if err := p.topics.CreateMapping(&store.Mapping{
		ChatID:           p.cfg.Telegram.ChatID,
		TopicID:          newTopicID,
		TopicName:        name,
		SessionID:        match.Session.ID,
		WorkDir:          match.WorkDir,
		StreamingEnabled: p.cfg.Telegram.StreamingDefault,
	}); err != nil {
		p.reply(ctx, topicID, "Mapping write failed: "+html.EscapeString(err.Error()))
		return
	}
	p.topics.AppendEvent(&store.TopicEvent{
		ChatID: p.cfg.Telegram.ChatID, TopicID: newTopicID, Type: store.EventLinked,
		Metadata: fmt.Sprintf(`{"session_id":%q}`, match.Session.ID),
	})

	if _, err := p.router.Attach(ctx, newTopicID, *match); err != nil {
		p.reply(ctx, topicID, "Attach failed: "+html.EscapeString(err.Error()))
		return
	}

	p.reply(ctx, newTopicID, fmt.Sprintf("🔗 Connected to session <code>%s</code> in <code>%s</code>",
		html.EscapeString(shortSession(match.Session.ID)), html.EscapeString(match.WorkDir)))
	p.reply(ctx, topicID, fmt.Sprintf("Connected: <a href=%q>%s</a>",
		TopicURL(p.cfg.Telegram.ChatID, newTopicID), html.EscapeString(name)))
}

// cmdDisconnect tears a topic down: subscriptions, instance, mapping, and
// (best effort) the forum topic itself.
func (p *ControlPlane) cmdDisconnect(ctx context.Context, topicID int, args []string) {
	if len(args) == 0 {
		p.reply(ctx, topicID, "Usage: /disconnect &lt;topic-id&gt;")
		return
	}
	target, err := strconv.Atoi(args[0])
	if err != nil {
		p.reply(ctx, topicID, "Topic ID must be a number. See /list.")
		return
	}

	mapping, err := p.topics.GetMapping(p.cfg.Telegram.ChatID, target)
	if err != nil {
		p.reply(ctx, topicID, fmt.Sprintf("No mapping for topic %d.", target))
		return
	}

	p.router.Detach(target)
	instanceID := orchestrator.InstanceIDForTopic(target)
	if _, ok := p.mgr.Get(instanceID); ok {
		if err := p.mgr.Stop(ctx, instanceID, "disconnected"); err != nil {
			p.log.Warn("instance stop failed", "instance_id", instanceID, "error", err)
		}
	}
	if ext, ok := p.external.ByTopic(target); ok {
		if removed, ok := p.external.Remove(ext.ProjectPath); ok && removed.CancelEvents != nil {
			removed.CancelEvents()
		}
	}
	p.bridge.Unregister(mapping.SessionID)

	if err := p.topics.UpdateStatus(p.cfg.Telegram.ChatID, target, store.MappingDeleted); err != nil {
		p.log.Warn("mapping delete failed", "topic_id", target, "error", err)
	}
	p.topics.AppendEvent(&store.TopicEvent{
		ChatID: p.cfg.Telegram.ChatID, TopicID: target, Type: store.EventDeleted,
	})
	if err := p.surface.DeleteTopic(ctx, p.cfg.Telegram.ChatID, target); err != nil {
		p.log.Debug("forum topic delete failed", "topic_id", target, "error", err)
	}

	p.reply(ctx, topicID, fmt.Sprintf("🗑 Disconnected topic %d (<code>%s</code>).",
		target, html.EscapeString(mapping.TopicName)))
}

// cmdNew creates a topic with a fresh project directory. The instance spawns
// lazily on the first message.
func (p *ControlPlane) cmdNew(ctx context.Context, topicID int, msg *telego.Message, args []string) {
	if len(args) == 0 {
		p.reply(ctx, topicID, "Usage: /new &lt;project name&gt;")
		return
	}
	name := strings.Join(args, " ")
	slug := router.Slugify(name)
	if slug == "" {
		p.reply(ctx, topicID, "That name has no usable characters for a directory.")
		return
	}
	workDir := filepath.Join(p.cfg.Orchestrator.ProjectBase, slug)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		p.reply(ctx, topicID, "Could not create project directory: "+html.EscapeString(err.Error()))
		return
	}

	newTopicID, err := p.surface.CreateTopic(ctx, p.cfg.Telegram.ChatID, name)
	if err != nil {
		p.reply(ctx, topicID, "Topic creation failed: "+html.EscapeString(err.Error()))
		return
	}

	if err := p.topics.CreateMapping(&store.Mapping{
		ChatID:           p.cfg.Telegram.ChatID,
		TopicID:          newTopicID,
		TopicName:        name,
		SessionID:        fmt.Sprintf("%s%d", store.PlaceholderPrefix, time.Now().UnixMilli()),
		WorkDir:          workDir,
		StreamingEnabled: p.cfg.Telegram.StreamingDefault,
		CreatorUserID:    userID(msg.From),
	}); err != nil {
		p.reply(ctx, topicID, "Mapping write failed: "+html.EscapeString(err.Error()))
		return
	}
	p.topics.AppendEvent(&store.TopicEvent{
		ChatID: p.cfg.Telegram.ChatID, TopicID: newTopicID, Type: store.EventCreated,
		UserID: userID(msg.From),
	})

	p.reply(ctx, newTopicID, fmt.Sprintf(
		"👋 Project <b>%s</b> lives in <code>%s</code>. Send a message to start the agent.",
		html.EscapeString(name), html.EscapeString(workDir)))
	p.reply(ctx, topicID, fmt.Sprintf("Created: <a href=%q>%s</a>",
		TopicURL(p.cfg.Telegram.ChatID, newTopicID), html.EscapeString(name)))
}

func (p *ControlPlane) cmdStatus(ctx context.Context, topicID int) {
	pool := p.mgr.PoolStatus()
	active, _ := p.topics.ListMappings(store.MappingActive)

	var b strings.Builder
	b.WriteString("<b>TopiClaw status</b>\n")
	fmt.Fprintf(&b, "Managed instances: %d running / %d known\n", p.mgr.RunningCount(), len(p.mgr.List()))
	fmt.Fprintf(&b, "External agents: %d\n", p.external.Count())
	fmt.Fprintf(&b, "Active topics: %d\n", len(active))
	fmt.Fprintf(&b, "Ports: %d allocated, %d free of %d\n", pool.Allocated, pool.Free, pool.Total)
	p.reply(ctx, topicID, b.String())
}

func (p *ControlPlane) cmdStream(ctx context.Context, topicID int, inControl bool, args []string) {
	target := topicID
	toggle := ""
	switch {
	case inControl && len(args) >= 2:
		t, err := strconv.Atoi(args[0])
		if err != nil {
			p.reply(ctx, topicID, "Usage: /stream &lt;topic-id&gt; on|off")
			return
		}
		target, toggle = t, args[1]
	case !inControl && len(args) >= 1:
		toggle = args[0]
	default:
		p.reply(ctx, topicID, "Usage: /stream on|off")
		return
	}

	enabled := strings.EqualFold(toggle, "on")
	if !enabled && !strings.EqualFold(toggle, "off") {
		p.reply(ctx, topicID, "Usage: /stream on|off")
		return
	}

	mapping, err := p.topics.GetMapping(p.cfg.Telegram.ChatID, target)
	if err != nil {
		p.reply(ctx, topicID, fmt.Sprintf("No mapping for topic %d.", target))
		return
	}
	if err := p.topics.SetStreamingEnabled(p.cfg.Telegram.ChatID, target, enabled); err != nil {
		p.reply(ctx, topicID, "Streaming toggle failed: "+html.EscapeString(err.Error()))
		return
	}
	p.bridge.SetStreaming(mapping.SessionID, enabled)

	state := "off"
	if enabled {
		state = "on"
	}
	p.reply(ctx, topicID, fmt.Sprintf("Streaming previews <b>%s</b> for <code>%s</code>.",
		state, html.EscapeString(mapping.TopicName)))
}

func (p *ControlPlane) cmdProjects(ctx context.Context, topicID int) {
	entries, err := os.ReadDir(p.cfg.Orchestrator.ProjectBase)
	if err != nil {
		p.reply(ctx, topicID, "Cannot read project base: "+html.EscapeString(err.Error()))
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Projects</b> in <code>%s</code> (%d)\n",
		html.EscapeString(p.cfg.Orchestrator.ProjectBase), len(names))
	for _, n := range names {
		fmt.Fprintf(&b, "• <code>%s</code>\n", html.EscapeString(n))
	}
	p.reply(ctx, topicID, b.String())
}

func (p *ControlPlane) cmdHelp(ctx context.Context, topicID int) {
	p.reply(ctx, topicID, strings.Join([]string{
		"<b>TopiClaw</b> — one forum topic per coding agent.",
		"",
		"/list — managed, external, and discovered sessions",
		"/connect &lt;prefix|dir&gt; — bind a running session to a new topic",
		"/disconnect &lt;topic-id&gt; — tear a topic down",
		"/new &lt;name&gt; — create a project topic",
		"/status — supervisor counters",
		"/stream on|off — live preview toggle (in a project topic)",
		"/projects — directories under the project base",
	}, "\n"))
}

// OnTopicClosed stops the managed instance behind a topic an operator closed
// in the Telegram UI.
func (p *ControlPlane) OnTopicClosed(ctx context.Context, topicID int) {
	instanceID := orchestrator.InstanceIDForTopic(topicID)
	if _, ok := p.mgr.Get(instanceID); !ok {
		return
	}
	if err := p.mgr.Stop(ctx, instanceID, "topic closed"); err != nil {
		p.log.Warn("instance stop on topic close failed", "instance_id", instanceID, "error", err)
	}
}

func (p *ControlPlane) reply(ctx context.Context, topicID int, text string) {
	if _, err := p.surface.Send(ctx, p.cfg.Telegram.ChatID, topicID, text,
		bridge.SendOptions{DisablePreview: true}); err != nil {
		p.log.Warn("control reply failed", "topic_id", topicID, "error", err)
	}
}

// splitCommand parses "/cmd@bot arg arg" into the bare command and its args.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), fields[1:]
}

func shortDir(dir string) string {
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(dir, home) {
		return "~" + strings.TrimPrefix(dir, home)
	}
	return dir
}

func shortSession(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
