package crisp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/crispclaw/internal/bus"
	"github.com/nextlevelbuilder/crispclaw/internal/config"
)

// Approval resolution outcomes carried on approval.resolved events.
const (
	ResolutionApproved = "approved"
	ResolutionEdited   = "edited"
	ResolutionRejected = "rejected"
)

// ErrTicketNotFound reports a resolution attempt against a ticket that
// expired or was already resolved.
var ErrTicketNotFound = fmt.Errorf("approval ticket not found or expired")

// ErrNoReplyText reports an approval with neither drafted nor supplied text.
var ErrNoReplyText = fmt.Errorf("approval ticket has no reply text")

// SendReply sends an operator reply into a conversation on behalf of the
// given account, honoring its auto-resolve flag. This is the programmatic
// reply path for host-side tooling working outside the approval flow.
func (r *Router) SendReply(ctx context.Context, accountID, sessionID, text string) error {
	acc, ok := r.cfg.Account(accountID)
	if !ok {
		return fmt.Errorf("unknown account %q", accountID)
	}
	client := r.clientFor(acc)
	if err := client.SendMessage(ctx, sessionID, text); err != nil {
		return err
	}
	if acc.ResolveOnReply {
		if err := client.UpdateState(ctx, sessionID, StateResolved); err != nil {
			slog.Warn("auto-resolve failed", "account", acc.ID, "session", sessionID, "error", err)
		}
	}
	return nil
}

// ResolveTicket approves a pending reply: the ticket is consumed before the
// send so a racing resolution cannot reach the visitor twice. Pass an empty
// text to send the ticket's drafted reply; when neither exists the ticket
// stays live and ErrNoReplyText is returned.
func (r *Router) ResolveTicket(ctx context.Context, ticketID, text string) error {
	ticket, ok := r.pending.Get(ticketID)
	if !ok {
		return ErrTicketNotFound
	}

	resolution := ResolutionEdited
	if text == "" {
		text = ticket.ProposedReply
		resolution = ResolutionApproved
	}
	if text == "" {
		// Nothing to send: keep the ticket live so the operator can still
		// reply with text.
		return ErrNoReplyText
	}

	if !r.pending.Remove(ticket.ID) {
		return ErrTicketNotFound
	}

	if err := r.SendReply(ctx, ticket.AccountID, ticket.SessionID, text); err != nil {
		return fmt.Errorf("send approved reply: %w", err)
	}

	slog.Info("approval ticket resolved",
		"ticket", ticket.ID, "account", ticket.AccountID, "resolution", resolution)
	r.events.Broadcast(bus.Event{Name: bus.EventApprovalResolved, Payload: map[string]string{
		"ticket_id":  ticket.ID,
		"account_id": ticket.AccountID,
		"session_id": ticket.SessionID,
		"resolution": resolution,
	}})
	return nil
}

// RejectTicket discards a pending reply without contacting the visitor.
func (r *Router) RejectTicket(ticketID string) error {
	ticket, ok := r.pending.Get(ticketID)
	if !ok {
		return ErrTicketNotFound
	}
	if !r.pending.Remove(ticket.ID) {
		return ErrTicketNotFound
	}
	slog.Info("approval ticket rejected", "ticket", ticket.ID, "account", ticket.AccountID)
	r.events.Broadcast(bus.Event{Name: bus.EventApprovalResolved, Payload: map[string]string{
		"ticket_id":  ticket.ID,
		"account_id": ticket.AccountID,
		"session_id": ticket.SessionID,
		"resolution": ResolutionRejected,
	}})
	return nil
}

// ResolveByNotification resolves the ticket attached to a side-channel
// notification message, for reply-to-approve flows.
func (r *Router) ResolveByNotification(ctx context.Context, notifyMsgID, text string) error {
	ticket, ok := r.pending.FindByNotificationMessage(notifyMsgID)
	if !ok {
		return ErrTicketNotFound
	}
	return r.ResolveTicket(ctx, ticket.ID, text)
}

// Accounts lists the configured accounts, for CLI inspection.
func Accounts(cfg *config.Config) []config.CrispAccountConfig {
	return cfg.AccountList()
}
