package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/router"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

// Channel long-polls one forum supergroup and dispatches updates: control
// commands to the control plane, topic messages to the router, permission
// buttons to the bridge.
type Channel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	router  *router.Router
	control *ControlPlane
	topics  *store.TopicStore
	log     *slog.Logger

	opMu      sync.RWMutex
	operators []operator

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// operator is one allowlist entry, "id" or "id|username".
type operator struct {
	id       int64
	username string
}

// NewChannel wires the update loop.
func NewChannel(bot *telego.Bot, cfg config.TelegramConfig, rt *router.Router, cp *ControlPlane, topics *store.TopicStore) *Channel {
	c := &Channel{
		bot:     bot,
		cfg:     cfg,
		router:  rt,
		control: cp,
		topics:  topics,
		log:     slog.With("component", "telegram"),
	}
	c.SetOperators(cfg.Operators)
	return c
}

// SetOperators replaces the operator allowlist. Called on config hot-reload.
// An empty list means every member of the supergroup may talk to agents.
func (c *Channel) SetOperators(entries []string) {
	ops := make([]operator, 0, len(entries))
	for _, entry := range entries {
		var op operator
		parts := strings.SplitN(entry, "|", 2)
		fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &op.id)
		if len(parts) == 2 {
			op.username = strings.TrimPrefix(strings.TrimSpace(parts[1]), "@")
		}
		if op.id != 0 || op.username != "" {
			ops = append(ops, op)
		}
	}
	c.opMu.Lock()
	c.operators = ops
	c.opMu.Unlock()
}

// isOperator reports whether a user may issue commands and talk to agents.
func (c *Channel) isOperator(user *telego.User) bool {
	if user == nil {
		return false
	}
	c.opMu.RLock()
	defer c.opMu.RUnlock()
	if len(c.operators) == 0 {
		return true
	}
	for _, op := range c.operators {
		if op.id != 0 && op.id == user.ID {
			return true
		}
		if op.username != "" && strings.EqualFold(op.username, user.Username) {
			return true
		}
	}
	return false
}

// Start begins long polling. Stop cancels the polling context and waits for
// the goroutine so Telegram releases the getUpdates lock before a restart.
func (c *Channel) Start(ctx context.Context) error {
	c.log.Info("starting telegram long polling", "chat_id", c.cfg.ChatID)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"callback_query",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	c.log.Info("telegram bot connected", "username", c.bot.Username())

	// Menu commands are cosmetic; retry a few times and give up quietly.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.syncMenuCommands(pollCtx); err == nil {
				return
			} else if attempt < 3 {
				c.log.Warn("menu command sync failed", "attempt", attempt, "error", err)
				select {
				case <-pollCtx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
			}
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.log.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					c.handleCallback(pollCtx, update.CallbackQuery)
				default:
					c.log.Debug("telegram update skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()
	return nil
}

// Stop shuts the polling loop down.
func (c *Channel) Stop() {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			c.log.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			c.log.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Chat.ID != c.cfg.ChatID {
		c.log.Debug("message from unmanaged chat ignored", "chat_id", msg.Chat.ID)
		return
	}

	topicID := msg.MessageThreadID
	if topicID == 0 {
		topicID = telegramGeneralTopicID
	}

	// Forum lifecycle service messages keep the mapping store in step with
	// what operators do in the Telegram UI.
	if c.handleForumEvent(ctx, msg, topicID) {
		return
	}
	if msg.Text == "" {
		return // media and stickers are not forwarded to agents
	}
	if !c.isOperator(msg.From) {
		c.log.Debug("message from non-operator ignored",
			"user_id", userID(msg.From), "topic_id", topicID)
		return
	}

	if strings.HasPrefix(msg.Text, "/") {
		if c.control.HandleCommand(ctx, msg, topicID) {
			return
		}
	}

	// The control topic is for commands, not agent conversation.
	if topicID == c.control.controlTopicID() {
		return
	}

	inbound := router.Inbound{
		TopicID:   topicID,
		TopicName: c.topicName(topicID),
		UserID:    userID(msg.From),
		Text:      msg.Text,
	}
	if err := c.router.HandleMessage(ctx, inbound); err != nil {
		c.log.Warn("message routing failed", "topic_id", topicID, "error", err)
	}
}

// handleForumEvent mirrors topic create/close/reopen/rename service messages
// into the store. Returns true when the message was a service event.
func (c *Channel) handleForumEvent(ctx context.Context, msg *telego.Message, topicID int) bool {
	chatID := msg.Chat.ID
	switch {
	case msg.ForumTopicCreated != nil:
		// Mapping creation is owned by the explicit paths (first message,
		// /new, /connect, registration); a UI-created topic is only logged.
		c.log.Info("forum topic created", "topic_id", topicID, "name", msg.ForumTopicCreated.Name)
		c.topics.AppendEvent(&store.TopicEvent{
			ChatID: chatID, TopicID: topicID, Type: store.EventCreated, UserID: userID(msg.From),
		})
		return true

	case msg.ForumTopicClosed != nil:
		c.log.Info("forum topic closed", "topic_id", topicID)
		if err := c.topics.UpdateStatus(chatID, topicID, store.MappingClosed); err != nil {
			c.log.Warn("topic close write failed", "topic_id", topicID, "error", err)
		}
		c.topics.AppendEvent(&store.TopicEvent{
			ChatID: chatID, TopicID: topicID, Type: store.EventClosed, UserID: userID(msg.From),
		})
		c.control.OnTopicClosed(ctx, topicID)
		return true

	case msg.ForumTopicReopened != nil:
		c.log.Info("forum topic reopened", "topic_id", topicID)
		if err := c.topics.UpdateStatus(chatID, topicID, store.MappingActive); err != nil {
			c.log.Warn("topic reopen write failed", "topic_id", topicID, "error", err)
		}
		c.topics.AppendEvent(&store.TopicEvent{
			ChatID: chatID, TopicID: topicID, Type: store.EventReopened, UserID: userID(msg.From),
		})
		return true

	case msg.ForumTopicEdited != nil:
		name := msg.ForumTopicEdited.Name
		if name == "" {
			return true // icon-only edit
		}
		c.log.Info("forum topic renamed", "topic_id", topicID, "name", name)
		if err := c.topics.UpdateName(chatID, topicID, name); err != nil {
			c.log.Warn("topic rename write failed", "topic_id", topicID, "error", err)
		}
		c.topics.AppendEvent(&store.TopicEvent{
			ChatID: chatID, TopicID: topicID, Type: store.EventRenamed, UserID: userID(msg.From),
			Metadata: fmt.Sprintf(`{"name":%q}`, name),
		})
		return true
	}
	return false
}

func (c *Channel) topicName(topicID int) string {
	if m, err := c.topics.GetMapping(c.cfg.ChatID, topicID); err == nil {
		return m.TopicName
	}
	return ""
}

func (c *Channel) syncMenuCommands(ctx context.Context) error {
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: []telego.BotCommand{
			{Command: "list", Description: "List active agent sessions"},
			{Command: "connect", Description: "Connect a topic to a running session"},
			{Command: "disconnect", Description: "Disconnect and remove a topic"},
			{Command: "new", Description: "Create a project topic"},
			{Command: "status", Description: "Supervisor status"},
			{Command: "stream", Description: "Toggle live streaming previews"},
			{Command: "projects", Description: "List project directories"},
			{Command: "help", Description: "Show usage"},
		},
	})
}

func userID(u *telego.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}
