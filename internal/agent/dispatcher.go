// Package agent defines the reply-dispatch contract between channels and the
// AI runtime, plus a bus-backed dispatcher for runtimes attached over the
// gateway's event stream.
package agent

import (
	"context"

	"github.com/nextlevelbuilder/crispclaw/internal/bus"
)

// ReplyContext is the normalized payload handed to the dispatcher for one
// inbound visitor message.
type ReplyContext struct {
	Text        string        // visitor text (or file placeholder)
	MediaURL    string        // media locator for file messages
	SessionKey  string        // canonical agent routing key
	AgentID     string
	AccountID   string
	WebsiteID   string
	SessionID   string        // provider conversation ID (recipient)
	SenderID    string        // visitor user ID
	VisitorName string
	Timestamp   int64         // provider event timestamp (unix ms)
	History     []HistoryTurn // prior conversation turns, oldest first
}

// HistoryTurn is one prior message included for conversational context.
type HistoryTurn struct {
	Role string // "user" or "operator"
	Text string
}

// DeliverFunc is invoked once per outbound chunk the runtime produces.
// Empty text chunks are skipped by callers.
type DeliverFunc func(text string, mediaURLs []string) error

// Dispatcher hands an inbound message to the AI runtime and streams the
// reply back through deliver. Implementations must respect ctx.
type Dispatcher interface {
	Dispatch(ctx context.Context, rc ReplyContext, deliver DeliverFunc) error
}

// DispatchFunc adapts a function to the Dispatcher interface (tests, stubs).
type DispatchFunc func(ctx context.Context, rc ReplyContext, deliver DeliverFunc) error

func (f DispatchFunc) Dispatch(ctx context.Context, rc ReplyContext, deliver DeliverFunc) error {
	return f(ctx, rc, deliver)
}

// busMessage converts a ReplyContext into the bus inbound representation.
func busMessage(rc ReplyContext, dispatchID string) bus.InboundMessage {
	var media []string
	if rc.MediaURL != "" {
		media = []string{rc.MediaURL}
	}
	meta := map[string]string{"visitor_name": rc.VisitorName}
	return bus.InboundMessage{
		Channel:    "crisp",
		AccountID:  rc.AccountID,
		SenderID:   rc.SenderID,
		ChatID:     rc.SessionID,
		Content:    rc.Text,
		Media:      media,
		SessionKey: rc.SessionKey,
		AgentID:    rc.AgentID,
		DispatchID: dispatchID,
		Timestamp:  rc.Timestamp,
		Metadata:   meta,
	}
}
