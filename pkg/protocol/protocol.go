// Package protocol defines the wire frames exchanged on the gateway
// WebSocket between the server and attached runtimes.
package protocol

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// Frame types.
const (
	FrameEvent   = "event"   // server → client push
	FrameMessage = "message" // client → server reply or direct send
)

// Well-known event names pushed to clients, beyond the bus event names
// forwarded verbatim.
const (
	EventHealth   = "health"
	EventShutdown = "shutdown"
)

// EventFrame is a server-side event pushed to every connected client.
type EventFrame struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameEvent, Name: name, Payload: payload}
}

// MessageFrame is a client-sent reply. DispatchID correlates it with a
// pending dispatch; without one it is delivered directly to the named
// channel.
type MessageFrame struct {
	Type       string            `json:"type"`
	Channel    string            `json:"channel"`
	AccountID  string            `json:"account_id,omitempty"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	MediaURLs  []string          `json:"media_urls,omitempty"`
	DispatchID string            `json:"dispatch_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
