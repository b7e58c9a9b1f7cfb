package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/crispclaw/internal/channels"
	"github.com/nextlevelbuilder/crispclaw/internal/channels/crisp"
)

// Callback-data verbs on approval prompt buttons.
const (
	callbackApprove = "approve"
	callbackReject  = "reject"
)

const visitorPreviewLen = 400

// NotifyApproval delivers an approval prompt with Approve/Reject buttons.
// The returned delivery carries the prompt's message ID so a plain reply to
// it can resolve the ticket later.
func (c *Channel) NotifyApproval(ctx context.Context, ticket crisp.PendingReply) crisp.Delivery {
	text := fmt.Sprintf(
		"*Reply approval needed*\n\nTicket `%s`\nVisitor: %s\nConversation: `%s`\n\n%s",
		escapeMarkdownV2(ticket.ID),
		escapeMarkdownV2(ticket.VisitorName),
		escapeMarkdownV2(ticket.SessionID),
		escapeMarkdownV2(channels.Truncate(ticket.Message, visitorPreviewLen)),
	)

	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Approve").WithCallbackData(callbackApprove+":"+ticket.ID),
			tu.InlineKeyboardButton("Reject").WithCallbackData(callbackReject+":"+ticket.ID),
		),
	)

	msg := tu.Message(tu.ID(c.config.ChatID), text).
		WithParseMode(telego.ModeMarkdownV2).
		WithReplyMarkup(keyboard)

	sent, err := c.bot.SendMessage(ctx, msg)
	if err != nil {
		return crisp.Delivery{Err: fmt.Errorf("send approval prompt: %w", err)}
	}
	return crisp.Delivery{
		OK:        true,
		MessageID: strconv.Itoa(sent.MessageID),
		ChatID:    strconv.FormatInt(sent.Chat.ID, 10),
	}
}

// NotifyNewConversation announces a first-contact visitor.
func (c *Channel) NotifyNewConversation(ctx context.Context, sess crisp.Session) error {
	text := fmt.Sprintf(
		"*New conversation*\n\nVisitor: %s\nConversation: `%s`\nAccount: `%s`",
		escapeMarkdownV2(sess.VisitorName),
		escapeMarkdownV2(sess.SessionID),
		escapeMarkdownV2(sess.AccountID),
	)
	msg := tu.Message(tu.ID(c.config.ChatID), text).
		WithParseMode(telego.ModeMarkdownV2)
	_, err := c.bot.SendMessage(ctx, msg)
	return err
}

// sendText sends plain (unformatted) text to a chat.
func (c *Channel) sendText(ctx context.Context, chatID int64, text string) error {
	if text == "" {
		return nil
	}
	_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	return err
}

// markdownV2Reserved is every character MarkdownV2 requires escaping for.
const markdownV2Reserved = "_*[]()~`>#+-=|{}.!"

// escapeMarkdownV2 backslash-escapes visitor-controlled text so it cannot
// break the prompt formatting or inject markup.
func escapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
