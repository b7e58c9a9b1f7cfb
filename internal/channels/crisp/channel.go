// Package crisp bridges the Crisp website-chat platform to the agent
// runtime: it authenticates webhook deliveries, tracks visitor sessions,
// and either auto-replies through the AI dispatcher or parks replies
// behind a human-approval ticket.
package crisp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/crispclaw/internal/bus"
	"github.com/nextlevelbuilder/crispclaw/internal/channels"
)

// CrispChannel adapts the webhook Router to the Channel interface so the
// manager can route outbound bus messages into Crisp conversations. Inbound
// traffic arrives over the gateway's HTTP mux, not a polling loop, so Start
// only flips state.
type CrispChannel struct {
	*channels.BaseChannel
	router *Router
}

// NewChannel wraps a Router as a managed channel.
func NewChannel(router *Router, msgBus *bus.MessageBus) *CrispChannel {
	return &CrispChannel{
		BaseChannel: channels.NewBaseChannel("crisp", msgBus, nil),
		router:      router,
	}
}

// Router exposes the underlying webhook router.
func (c *CrispChannel) Router() *Router { return c.router }

// Start marks the channel ready. Webhook delivery is pull-free: the gateway
// serves it.
func (c *CrispChannel) Start(ctx context.Context) error {
	c.SetRunning(true)
	slog.Info("crisp channel ready", "accounts", len(Accounts(c.router.cfg)))
	return nil
}

// Stop marks the channel stopped.
func (c *CrispChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send delivers an outbound message into a Crisp conversation. ChatID is the
// conversation session ID; AccountID selects credentials, defaulting to the
// sole configured account.
func (c *CrispChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	accountID := msg.AccountID
	if accountID == "" {
		accs := c.router.cfg.AccountList()
		if len(accs) != 1 {
			return fmt.Errorf("outbound message needs an account_id with %d accounts configured", len(accs))
		}
		accountID = accs[0].ID
	}
	return c.router.SendReply(ctx, accountID, msg.ChatID, msg.Content)
}
