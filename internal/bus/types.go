package bus

import "context"

// InboundMessage represents a visitor message received from a channel (Crisp webhook).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	AccountID  string            `json:"account_id,omitempty"` // crisp account that received the message
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"` // crisp conversation/session ID
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key,omitempty"` // canonical agent routing key
	AgentID    string            `json:"agent_id,omitempty"`    // target agent (for multi-agent routing)
	DispatchID string            `json:"dispatch_id,omitempty"` // correlates replies with a pending dispatch
	Timestamp  int64             `json:"timestamp,omitempty"`   // provider event timestamp (unix ms)
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a reply to be sent back to a channel.
type OutboundMessage struct {
	Channel    string            `json:"channel"`
	AccountID  string            `json:"account_id,omitempty"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	MediaURLs  []string          `json:"media_urls,omitempty"`
	DispatchID string            `json:"dispatch_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Event represents a server-side event broadcast to subscribers (WS clients, loggers).
type Event struct {
	Name    string      `json:"name"` // e.g. "crisp.message", "approval.pending", "health"
	Payload interface{} `json:"payload,omitempty"`
}

// Well-known event names.
const (
	EventApprovalPending  = "approval.pending"
	EventApprovalResolved = "approval.resolved"
	EventCrispMessage     = "crisp.message"
	EventCrispState       = "crisp.state"
)

// ApprovalPendingPayload carries an approval ticket awaiting a human decision.
// Emitted when no notification side channel is configured, so the agent's own
// event loop can surface the ticket.
type ApprovalPendingPayload struct {
	TicketID    string `json:"ticket_id"`
	AccountID   string `json:"account_id"`
	SessionID   string `json:"session_id"`
	WebsiteID   string `json:"website_id"`
	VisitorName string `json:"visitor_name"`
	Message     string `json:"message"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and dispatchers to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
