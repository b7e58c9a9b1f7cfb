package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/crispclaw/internal/bus"
)

// DefaultDispatchTimeout bounds how long a dispatch waits for the runtime's
// final chunk before giving up.
const DefaultDispatchTimeout = 2 * time.Minute

// BusDispatcher routes dispatches over the message bus: the inbound message
// is published with a fresh dispatch ID, and outbound messages carrying that
// ID are fed to the deliver callback until the runtime marks the dispatch
// done. Any runtime attached to the bus (a WS client, an in-process loop)
// can answer.
type BusDispatcher struct {
	router  bus.MessageRouter
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan bus.OutboundMessage
	forward func(context.Context, bus.OutboundMessage)
}

// NewBusDispatcher creates a BusDispatcher. A non-positive timeout selects
// the default.
func NewBusDispatcher(router bus.MessageRouter, timeout time.Duration) *BusDispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &BusDispatcher{
		router:  router,
		timeout: timeout,
		pending: make(map[string]chan bus.OutboundMessage),
	}
}

// SetForward installs a handler for outbound messages that carry no dispatch
// correlation, typically direct channel sends from a bus-attached runtime.
// Must be called before Run.
func (d *BusDispatcher) SetForward(fn func(context.Context, bus.OutboundMessage)) {
	d.forward = fn
}

// Run consumes outbound bus messages and routes dispatch-correlated ones to
// their waiting dispatch. Uncorrelated messages go to the forward handler
// when one is installed. Blocks until ctx is done.
func (d *BusDispatcher) Run(ctx context.Context) {
	for {
		msg, ok := d.router.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if msg.DispatchID == "" {
			if d.forward != nil {
				d.forward(ctx, msg)
				continue
			}
			slog.Debug("outbound message without dispatch correlation dropped",
				"channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}

		d.mu.Lock()
		ch, waiting := d.pending[msg.DispatchID]
		d.mu.Unlock()

		if !waiting {
			slog.Debug("outbound message for unknown dispatch", "dispatch_id", msg.DispatchID)
			continue
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch publishes the context to the bus and streams correlated replies
// to deliver. A reply with metadata "final"="true" (or an empty content
// chunk) ends the dispatch. The timeout bounds inactivity between chunks,
// not total stream duration; it resets on every received reply.
func (d *BusDispatcher) Dispatch(ctx context.Context, rc ReplyContext, deliver DeliverFunc) error {
	dispatchID := uuid.NewString()

	ch := make(chan bus.OutboundMessage, 8)
	d.mu.Lock()
	d.pending[dispatchID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, dispatchID)
		d.mu.Unlock()
	}()

	d.router.PublishInbound(busMessage(rc, dispatchID))

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	delivered := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if delivered {
				return nil
			}
			return fmt.Errorf("dispatch %s timed out after %s", dispatchID, d.timeout)
		case msg := <-ch:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.timeout)

			final := msg.Metadata["final"] == "true"
			if msg.Content != "" {
				if err := deliver(msg.Content, msg.MediaURLs); err != nil {
					return fmt.Errorf("deliver chunk: %w", err)
				}
				delivered = true
			}
			if final || msg.Content == "" {
				return nil
			}
		}
	}
}
