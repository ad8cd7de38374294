package telegram

import (
	"context"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/topiclaw/internal/bridge"
)

// handleCallback answers permission prompt buttons. Everything needed lives
// in the callback data, so inaccessible messages are not a problem.
func (c *Channel) handleCallback(ctx context.Context, query *telego.CallbackQuery) {
	answer := func(text string) {
		err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: query.ID,
			Text:            text,
		})
		if err != nil {
			c.log.Debug("callback answer failed", "error", err)
		}
	}

	permID, response, ok := bridge.ParsePermissionCallback(query.Data)
	if !ok {
		answer("")
		return
	}
	if !c.isOperator(&query.From) {
		c.log.Warn("permission button pressed by non-operator",
			"user_id", query.From.ID, "username", query.From.Username)
		answer("Operators only")
		return
	}

	label, err := c.control.bridge.RespondPermission(ctx, permID, response)
	if err != nil {
		c.log.Warn("permission response failed", "permission_id", permID, "error", err)
		answer("Already settled or failed")
		return
	}
	answer(label)
}
