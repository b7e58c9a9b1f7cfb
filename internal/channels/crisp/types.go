package crisp

import (
	"encoding/json"
	"fmt"
)

// Webhook event names delivered by the Crisp dispatch system.
const (
	EventMessageSend     = "message:send"     // visitor (or operator) sent a message
	EventMessageReceived = "message:received" // echo of our own outbound send
	EventSessionSetState = "session:set_state"
	EventSessionSetEmail = "session:set_email"
)

// Message types handled by the router. Anything else is silently dropped.
const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
)

// Sender roles on webhook messages.
const (
	FromUser     = "user" // the website visitor
	FromOperator = "operator"
)

// Conversation states accepted by the provider.
const (
	StateResolved   = "resolved"
	StateUnresolved = "unresolved"
)

// fallbackVisitorName is used when the webhook carries no nickname.
const fallbackVisitorName = "Website visitor"

// WebhookEvent is the outer JSON body of every webhook call.
type WebhookEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// MessageData is the payload of message:send / message:received events.
type MessageData struct {
	WebsiteID string          `json:"website_id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"` // "text", "file", ...
	From      string          `json:"from"` // "user" or "operator"
	Origin    string          `json:"origin,omitempty"`
	Content   json.RawMessage `json:"content"` // string for text, FileContent for file
	User      WebhookUser     `json:"user"`
	Timestamp int64           `json:"timestamp"`
}

// WebhookUser identifies the message sender.
type WebhookUser struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
}

// FileContent is the content payload of a file-type message.
type FileContent struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"` // MIME type
}

// Text decodes the content of a text message.
func (d *MessageData) Text() (string, error) {
	var s string
	if err := json.Unmarshal(d.Content, &s); err != nil {
		return "", fmt.Errorf("text content: %w", err)
	}
	return s, nil
}

// File decodes the content of a file message.
func (d *MessageData) File() (FileContent, error) {
	var f FileContent
	if err := json.Unmarshal(d.Content, &f); err != nil {
		return FileContent{}, fmt.Errorf("file content: %w", err)
	}
	return f, nil
}

// VisitorName resolves the display name, falling back when absent.
func (d *MessageData) VisitorName() string {
	if d.User.Nickname != "" {
		return d.User.Nickname
	}
	return fallbackVisitorName
}

// StateData is the payload of session:set_state events.
type StateData struct {
	WebsiteID string `json:"website_id"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// EmailData is the payload of session:set_email events.
type EmailData struct {
	WebsiteID string `json:"website_id"`
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
}

// Conversation is the provider's conversation record (fields we use).
type Conversation struct {
	SessionID string            `json:"session_id"`
	WebsiteID string            `json:"website_id"`
	State     string            `json:"state"`
	Meta      ConversationMeta  `json:"meta"`
	Active    map[string]any    `json:"active,omitempty"`
	LastMsg   string            `json:"last_message,omitempty"`
	Metas     map[string]string `json:"-"`
}

// ConversationMeta carries visitor identity on a conversation.
type ConversationMeta struct {
	Nickname string `json:"nickname,omitempty"`
	Email    string `json:"email,omitempty"`
}

// HistoryMessage is one prior message fetched for auto-reply context.
type HistoryMessage struct {
	From      string          `json:"from"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
}

// TextContent returns the message text for text-type entries, "" otherwise.
func (m HistoryMessage) TextContent() string {
	if m.Type != MessageTypeText {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}
