// Package telegram is the chat surface: a telego-backed long-polling channel
// over one forum supergroup. It implements the bridge's Surface contract and
// hosts the control-plane command handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/topiclaw/internal/bridge"
	"github.com/nextlevelbuilder/topiclaw/internal/config"
)

// telegramGeneralTopicID is the fixed ID of the "General" topic in forum
// supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend returns the thread ID for send/edit API calls.
// General (1) must be omitted, Telegram rejects it with "thread not found".
func resolveThreadIDForSend(topicID int) int {
	if topicID == telegramGeneralTopicID {
		return 0
	}
	return topicID
}

// NewBot builds the telego bot, honoring an optional HTTP proxy.
func NewBot(cfg config.TelegramConfig) (*telego.Bot, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

// Surface sends, edits, and deletes messages in forum topics, classifying
// Bot API failures for the bridge's retry ladder. A shared token bucket keeps
// the bot under Telegram's global send budget.
type Surface struct {
	bot     *telego.Bot
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewSurface wraps a bot. Telegram allows ~30 messages per second bot-wide;
// the limiter stays under that with a little headroom for bursts.
func NewSurface(bot *telego.Bot) *Surface {
	return &Surface{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(25), 5),
		log:     slog.With("component", "telegram"),
	}
}

// Send posts a message into a topic and returns the Telegram message ID.
func (s *Surface) Send(ctx context.Context, chatID int64, topicID int, html string, opts bridge.SendOptions) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := tu.Message(tu.ID(chatID), html)
	if tid := resolveThreadIDForSend(topicID); tid > 0 {
		params.MessageThreadID = tid
	}
	if !opts.Plain {
		params.ParseMode = telego.ModeHTML
	}
	if opts.DisablePreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	if kb := inlineKeyboard(opts.Keyboard); kb != nil {
		params.ReplyMarkup = kb
	}
	msg, err := s.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, classify(err)
	}
	return msg.MessageID, nil
}

// Edit replaces the text of an existing message.
func (s *Surface) Edit(ctx context.Context, chatID int64, messageID int, html string, opts bridge.SendOptions) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      html,
	}
	if !opts.Plain {
		params.ParseMode = telego.ModeHTML
	}
	if opts.DisablePreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	if kb := inlineKeyboard(opts.Keyboard); kb != nil {
		params.ReplyMarkup = kb
	}
	if _, err := s.bot.EditMessageText(ctx, params); err != nil {
		return classify(err)
	}
	return nil
}

// Delete removes a message. An already-deleted message is not an error.
func (s *Surface) Delete(ctx context.Context, chatID int64, messageID int) error {
	err := s.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	})
	if err != nil {
		classified := classify(err)
		if bridge.KindOf(classified) == bridge.KindNotFound {
			return nil
		}
		return classified
	}
	return nil
}

// CreateTopic creates a forum topic and returns its thread ID.
func (s *Surface) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	topic, err := s.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(chatID),
		Name:   name,
	})
	if err != nil {
		return 0, classify(err)
	}
	return topic.MessageThreadID, nil
}

// DeleteTopic removes a forum topic, best effort.
func (s *Surface) DeleteTopic(ctx context.Context, chatID int64, topicID int) error {
	err := s.bot.DeleteForumTopic(ctx, &telego.DeleteForumTopicParams{
		ChatID:          tu.ID(chatID),
		MessageThreadID: topicID,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// TopicURL builds the t.me deep link for a topic in a supergroup.
// Supergroup IDs are -100XXXXXXXXXX on the wire; the link drops the prefix.
func TopicURL(chatID int64, topicID int) string {
	raw := fmt.Sprintf("%d", chatID)
	raw = strings.TrimPrefix(raw, "-100")
	raw = strings.TrimPrefix(raw, "-")
	return fmt.Sprintf("https://t.me/c/%s/%d", raw, topicID)
}

func inlineKeyboard(rows [][]bridge.Button) *telego.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tu.InlineKeyboardButton(b.Label).WithCallbackData(b.Data))
		}
		kb = append(kb, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: kb}
}

// classify maps a Bot API error onto the bridge's error kinds.
func classify(err error) error {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return &bridge.SurfaceError{Kind: bridge.KindOther, Err: err}
	}

	desc := strings.ToLower(apiErr.Description)
	switch {
	case apiErr.ErrorCode == 429:
		retryAfter := time.Second
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return &bridge.SurfaceError{Kind: bridge.KindRateLimited, RetryAfter: retryAfter, Err: err}
	case strings.Contains(desc, "message is not modified"):
		return &bridge.SurfaceError{Kind: bridge.KindNotModified, Err: err}
	case strings.Contains(desc, "message to edit not found"),
		strings.Contains(desc, "message to delete not found"),
		strings.Contains(desc, "message can't be edited"):
		return &bridge.SurfaceError{Kind: bridge.KindNotFound, Err: err}
	case strings.Contains(desc, "can't parse entities"):
		return &bridge.SurfaceError{Kind: bridge.KindParse, Err: err}
	}
	return &bridge.SurfaceError{Kind: bridge.KindOther, Err: err}
}
