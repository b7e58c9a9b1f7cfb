package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/crispclaw/internal/channels/crisp"
)

// handleCallbackQuery processes an Approve/Reject button press on an
// approval prompt.
func (c *Channel) handleCallbackQuery(ctx context.Context, query *telego.CallbackQuery) {
	sender := compoundSenderID(&query.From)
	if !c.IsAllowed(sender) {
		slog.Warn("callback from unauthorized user ignored", "sender", sender)
		c.answerCallback(ctx, query.ID, "Not authorized")
		return
	}

	verb, ticketID, ok := parseCallbackData(query.Data)
	if !ok {
		slog.Debug("unrecognized callback data", "data", query.Data)
		c.answerCallback(ctx, query.ID, "")
		return
	}

	var outcome string
	var err error
	switch verb {
	case callbackApprove:
		err = c.resolver.ResolveTicket(ctx, ticketID, "")
		outcome = "Approved"
		switch {
		case errors.Is(err, crisp.ErrTicketNotFound):
			outcome = "Ticket expired or already handled"
			err = nil
		case errors.Is(err, crisp.ErrNoReplyText):
			outcome = "No drafted reply. Reply to the prompt with the text to send."
			err = nil
		}
	case callbackReject:
		err = c.resolver.RejectTicket(ticketID)
		outcome = "Rejected"
		if errors.Is(err, crisp.ErrTicketNotFound) {
			outcome = "Ticket expired or already handled"
			err = nil
		}
	}
	if err != nil {
		slog.Error("ticket resolution failed", "ticket", ticketID, "verb", verb, "error", err)
		c.answerCallback(ctx, query.ID, "Failed: "+err.Error())
		return
	}

	c.answerCallback(ctx, query.ID, outcome)
	c.markPromptDecided(ctx, query, outcome)
}

// handleMessage processes a plain reply to an approval prompt: the reply
// text becomes the operator's answer to the visitor.
func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.ReplyToMessage == nil || msg.Text == "" || msg.From == nil {
		return
	}

	sender := compoundSenderID(msg.From)
	if !c.IsAllowed(sender) {
		slog.Warn("reply from unauthorized user ignored", "sender", sender)
		return
	}

	notifyMsgID := strconv.Itoa(msg.ReplyToMessage.MessageID)
	err := c.resolver.ResolveByNotification(ctx, notifyMsgID, msg.Text)
	switch {
	case errors.Is(err, crisp.ErrTicketNotFound):
		// Reply to something other than a live prompt — stay quiet.
		slog.Debug("reply did not match a live approval prompt", "message_id", notifyMsgID)
	case err != nil:
		slog.Error("reply-to-approve failed", "message_id", notifyMsgID, "error", err)
		if sendErr := c.sendText(ctx, msg.Chat.ID, "Failed to send the reply: "+err.Error()); sendErr != nil {
			slog.Warn("error notice delivery failed", "error", sendErr)
		}
	default:
		if sendErr := c.sendText(ctx, msg.Chat.ID, "Reply sent to the visitor."); sendErr != nil {
			slog.Warn("confirmation delivery failed", "error", sendErr)
		}
	}
}

// markPromptDecided strips the buttons off a decided prompt and appends the
// outcome, so stale prompts cannot be pressed twice.
func (c *Channel) markPromptDecided(ctx context.Context, query *telego.CallbackQuery, outcome string) {
	message := query.Message
	if message == nil {
		return
	}
	chatID := message.GetChat().ID
	messageID := message.GetMessageID()

	_, err := c.bot.EditMessageReplyMarkup(ctx, &telego.EditMessageReplyMarkupParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: messageID,
	})
	if err != nil {
		slog.Debug("failed to clear prompt keyboard", "error", err)
	}
	if err := c.sendText(ctx, chatID, fmt.Sprintf("Ticket decision: %s", outcome)); err != nil {
		slog.Debug("failed to post decision notice", "error", err)
	}
}

func (c *Channel) answerCallback(ctx context.Context, queryID, text string) {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
	})
	if err != nil {
		slog.Debug("answer callback failed", "error", err)
	}
}

// parseCallbackData splits "verb:ticketID" button payloads.
func parseCallbackData(data string) (verb, ticketID string, ok bool) {
	verb, ticketID, found := strings.Cut(data, ":")
	if !found || ticketID == "" {
		return "", "", false
	}
	if verb != callbackApprove && verb != callbackReject {
		return "", "", false
	}
	return verb, ticketID, true
}

// compoundSenderID builds the "id|username" form the allowlist matcher
// understands.
func compoundSenderID(u *telego.User) string {
	id := strconv.FormatInt(u.ID, 10)
	if u.Username != "" {
		return id + "|" + u.Username
	}
	return id
}
