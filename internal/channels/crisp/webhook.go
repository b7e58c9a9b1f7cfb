package crisp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/crispclaw/internal/agent"
	"github.com/nextlevelbuilder/crispclaw/internal/bus"
	"github.com/nextlevelbuilder/crispclaw/internal/channels"
	"github.com/nextlevelbuilder/crispclaw/internal/config"
	"github.com/nextlevelbuilder/crispclaw/internal/sessions"
)

const maxWebhookBody = 1 << 20

// Delivery is the opaque result of a side-channel notification attempt.
type Delivery struct {
	OK        bool
	MessageID string // notification-channel message ID, for reverse lookup
	ChatID    string // notification-channel conversation ID
	Err       error
}

// Notifier delivers human-approval prompts over a side channel.
// A failed delivery must not fail the originating webhook; the ticket
// remains valid for any alternative resolution path.
type Notifier interface {
	NotifyApproval(ctx context.Context, ticket PendingReply) Delivery
	NotifyNewConversation(ctx context.Context, sess Session) error
}

// RouterDeps holds the collaborators a Router requires.
type RouterDeps struct {
	Config     *config.Config
	Tracker    *Tracker
	Pending    *PendingStore
	Dispatcher agent.Dispatcher   // required: the AI reply dispatcher
	Events     bus.EventPublisher // required: system-event fallback + observability
	Notifier   Notifier           // optional: nil selects the event-emission fallback

	// ClientFactory overrides API client construction (tests).
	ClientFactory func(config.CrispAccountConfig) *Client
}

// Router authenticates, parses, and dispatches inbound Crisp webhook events:
// auto-reply, approval, or ignore. It owns no HTTP server; the gateway
// registers HandleWebhook against its mux.
type Router struct {
	cfg        *config.Config
	tracker    *Tracker
	pending    *PendingStore
	dispatcher agent.Dispatcher
	events     bus.EventPublisher
	notifier   Notifier
	newClient  func(config.CrispAccountConfig) *Client
	tracer     trace.Tracer

	mu      sync.Mutex
	clients map[string]*Client // account ID + creds → cached client
}

// NewRouter creates a Router. Dispatcher and Events are required so the
// "collaborator not initialized" failure mode cannot exist at runtime.
func NewRouter(deps RouterDeps) (*Router, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("router: config is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("router: dispatcher is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("router: event publisher is required")
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTracker(0, 0)
	}
	if deps.Pending == nil {
		deps.Pending = NewPendingStore(0)
	}
	newClient := deps.ClientFactory
	if newClient == nil {
		newClient = func(acc config.CrispAccountConfig) *Client { return NewClient(acc) }
	}
	return &Router{
		cfg:        deps.Config,
		tracker:    deps.Tracker,
		pending:    deps.Pending,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		notifier:   deps.Notifier,
		newClient:  newClient,
		tracer:     otel.Tracer("crispclaw/webhook"),
		clients:    make(map[string]*Client),
	}, nil
}

// SetNotifier installs the approval side channel after construction. The
// bot needs the router for ticket resolution, so wiring is two-phase.
func (r *Router) SetNotifier(n Notifier) { r.notifier = n }

// Tracker returns the router's session tracker.
func (r *Router) Tracker() *Tracker { return r.tracker }

// Pending returns the router's pending-reply store.
func (r *Router) Pending() *PendingStore { return r.pending }

// AccountForPath resolves the account registered for a webhook path.
// Accounts are re-resolved from live config on every call, so edits take
// effect without restart.
func (r *Router) AccountForPath(path string) (config.CrispAccountConfig, bool) {
	for _, acc := range r.cfg.AccountList() {
		if acc.ResolvedWebhookPath() == path {
			return acc, true
		}
	}
	return config.CrispAccountConfig{}, false
}

// HandleWebhook processes one inbound webhook call. Returns false when the
// request path belongs to no registered account (the caller may try other
// handlers); true when the request was answered, whatever the outcome.
//
// Status codes: 401 on secret mismatch, 500 on a malformed body, and 200 for
// every handled-or-ignored event — downstream failures never surface to the
// provider, which would otherwise retry events we cannot process better the
// second time.
func (r *Router) HandleWebhook(w http.ResponseWriter, req *http.Request) bool {
	acc, ok := r.AccountForPath(req.URL.Path)
	if !ok {
		return false
	}

	ctx, span := r.tracer.Start(req.Context(), "crisp.webhook",
		trace.WithAttributes(attribute.String("crisp.account", acc.ID)))
	defer span.End()

	if !ValidateSecret(req.URL, acc.WebhookSecret) {
		slog.Warn("webhook auth failed", "account", acc.ID, "remote", req.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid secret"})
		return true
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("webhook body read failed", "account", acc.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return true
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Event == "" {
		slog.Warn("webhook body malformed", "account", acc.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return true
	}
	span.SetAttributes(attribute.String("crisp.event", ev.Event))

	process, err := r.prepare(acc, &ev)
	if err != nil {
		slog.Warn("webhook event malformed", "account", acc.ID, "event", ev.Event, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return true
	}

	// The provider gets its 200 before any downstream work: AI or
	// notification failures are ours to log, not the provider's to retry.
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	if process != nil {
		process(ctx)
	}
	return true
}

// prepare validates the event payload and returns the processing step to run
// after the response is written. A nil step means the event is ignored.
func (r *Router) prepare(acc config.CrispAccountConfig, ev *WebhookEvent) (func(context.Context), error) {
	switch ev.Event {
	case EventMessageSend:
		var md MessageData
		if err := json.Unmarshal(ev.Data, &md); err != nil {
			return nil, fmt.Errorf("decode message data: %w", err)
		}
		if md.SessionID == "" || md.WebsiteID == "" {
			return nil, fmt.Errorf("message data missing session_id or website_id")
		}
		return func(ctx context.Context) { r.handleInbound(ctx, acc, &md) }, nil

	case EventMessageReceived:
		// Echo of our own outbound send.
		return nil, nil

	case EventSessionSetState:
		var sd StateData
		if err := json.Unmarshal(ev.Data, &sd); err != nil {
			return nil, fmt.Errorf("decode state data: %w", err)
		}
		return func(ctx context.Context) {
			slog.Info("conversation state changed",
				"account", acc.ID, "session", sd.SessionID, "state", sd.State)
			r.events.Broadcast(bus.Event{Name: bus.EventCrispState, Payload: sd})
		}, nil

	case EventSessionSetEmail:
		var ed EmailData
		if err := json.Unmarshal(ev.Data, &ed); err != nil {
			return nil, fmt.Errorf("decode email data: %w", err)
		}
		return func(ctx context.Context) {
			if r.tracker.SetEmail(ed.SessionID, ed.Email) {
				slog.Debug("session email updated", "account", acc.ID, "session", ed.SessionID)
			}
		}, nil

	default:
		slog.Debug("webhook event ignored", "account", acc.ID, "event", ev.Event)
		return nil, nil
	}
}

// handleInbound routes one visitor message: track the session, then hand it
// to the approval or auto-reply branch per account flags.
func (r *Router) handleInbound(ctx context.Context, acc config.CrispAccountConfig, md *MessageData) {
	if md.From != FromUser {
		slog.Debug("non-visitor message ignored", "account", acc.ID, "from", md.From)
		return
	}

	var text, mediaURL string
	switch md.Type {
	case MessageTypeText:
		t, err := md.Text()
		if err != nil {
			slog.Warn("text message with non-string content dropped", "account", acc.ID, "error", err)
			return
		}
		text = t
	case MessageTypeFile:
		f, err := md.File()
		if err != nil {
			slog.Warn("file message with bad content dropped", "account", acc.ID, "error", err)
			return
		}
		text = "[file]"
		mediaURL = f.URL
	default:
		slog.Debug("unsupported message type dropped", "account", acc.ID, "type", md.Type)
		return
	}

	visitorName := md.VisitorName()
	sess := r.tracker.Track(md.SessionID, md.WebsiteID, acc.ID, visitorName, "")

	slog.Info("visitor message",
		"account", acc.ID,
		"session", md.SessionID,
		"visitor", visitorName,
		"count", sess.MessageCount,
		"new", sess.IsNew,
		"preview", channels.Truncate(text, 60),
	)
	r.events.Broadcast(bus.Event{Name: bus.EventCrispMessage, Payload: map[string]any{
		"account_id": acc.ID,
		"session_id": md.SessionID,
		"visitor":    visitorName,
		"new":        sess.IsNew,
	}})

	if sess.IsNew && acc.NotifyOnNew && r.notifier != nil {
		if err := r.notifier.NotifyNewConversation(ctx, sess); err != nil {
			slog.Warn("new-conversation notification failed", "account", acc.ID, "error", err)
		}
	}

	switch {
	case acc.Approval:
		r.handleApproval(ctx, acc, md, visitorName, text)
	case acc.AutoReply:
		r.handleAutoReply(ctx, acc, md, visitorName, text, mediaURL)
	default:
		slog.Debug("auto-reply and approval disabled, message recorded only",
			"account", acc.ID, "session", md.SessionID)
	}
}

// handleApproval creates an approval ticket and delivers the prompt over the
// side channel, falling back to a system event when none is configured.
// The visitor gets no reply here: dispatch happens only when a human
// resolves the ticket.
func (r *Router) handleApproval(ctx context.Context, acc config.CrispAccountConfig, md *MessageData, visitorName, text string) {
	ctx, span := r.tracer.Start(ctx, "crisp.approval")
	defer span.End()

	ticket := r.pending.Store(md.SessionID, md.WebsiteID, acc.ID, visitorName, text)
	span.SetAttributes(attribute.String("ticket.id", ticket.ID))

	if r.notifier == nil {
		r.events.Broadcast(bus.Event{Name: bus.EventApprovalPending, Payload: bus.ApprovalPendingPayload{
			TicketID:    ticket.ID,
			AccountID:   acc.ID,
			SessionID:   md.SessionID,
			WebsiteID:   md.WebsiteID,
			VisitorName: visitorName,
			Message:     text,
		}})
		slog.Info("approval ticket queued (no side channel)", "account", acc.ID, "ticket", ticket.ID)
		return
	}

	d := r.notifier.NotifyApproval(ctx, ticket)
	if d.Err != nil || !d.OK {
		slog.Warn("approval notification failed, ticket remains pending",
			"account", acc.ID, "ticket", ticket.ID, "error", d.Err)
		return
	}
	if d.MessageID != "" {
		r.pending.AttachNotification(ticket.ID, d.MessageID, d.ChatID)
	}
	slog.Info("approval prompt delivered", "account", acc.ID, "ticket", ticket.ID)
}

// handleAutoReply builds conversational context, dispatches to the AI
// runtime, and sends any non-empty result back to the visitor. Every
// downstream failure is logged and swallowed.
func (r *Router) handleAutoReply(ctx context.Context, acc config.CrispAccountConfig, md *MessageData, visitorName, text, mediaURL string) {
	ctx, span := r.tracer.Start(ctx, "crisp.auto_reply")
	defer span.End()

	client := r.clientFor(acc)

	var history []agent.HistoryTurn
	if acc.HistoryLimit > 0 {
		msgs, err := client.GetMessages(ctx, md.SessionID, acc.HistoryLimit+1)
		if err != nil {
			slog.Warn("history fetch failed, dispatching without context",
				"account", acc.ID, "session", md.SessionID, "error", err)
		} else {
			history = buildHistory(msgs)
		}
	}

	multiAccount := len(r.cfg.AccountList()) > 1
	agentID := acc.AgentID
	if agentID == "" {
		agentID = r.cfg.DefaultAgent()
	}
	route := sessions.Resolve(agentID, "crisp", acc.ID, md.SessionID, multiAccount)

	rc := agent.ReplyContext{
		Text:        text,
		MediaURL:    mediaURL,
		SessionKey:  route.SessionKey,
		AgentID:     route.AgentID,
		AccountID:   acc.ID,
		WebsiteID:   md.WebsiteID,
		SessionID:   md.SessionID,
		SenderID:    md.User.UserID,
		VisitorName: visitorName,
		Timestamp:   md.Timestamp,
		History:     history,
	}

	replied := false
	err := r.dispatcher.Dispatch(ctx, rc, func(chunk string, mediaURLs []string) error {
		if strings.TrimSpace(chunk) == "" {
			return nil
		}
		if err := client.SendMessage(ctx, md.SessionID, chunk); err != nil {
			return err
		}
		replied = true
		return nil
	})
	if err != nil {
		slog.Warn("agent dispatch failed", "account", acc.ID, "session", md.SessionID, "error", err)
	}

	if replied && acc.ResolveOnReply {
		if err := client.UpdateState(ctx, md.SessionID, StateResolved); err != nil {
			slog.Warn("auto-resolve failed", "account", acc.ID, "session", md.SessionID, "error", err)
		}
	}
}

// buildHistory maps fetched messages (oldest-first) to dispatch context,
// excluding the most recent entry — that is the message being handled.
func buildHistory(msgs []HistoryMessage) []agent.HistoryTurn {
	if len(msgs) <= 1 {
		return nil
	}
	msgs = msgs[:len(msgs)-1]
	turns := make([]agent.HistoryTurn, 0, len(msgs))
	for _, m := range msgs {
		t := m.TextContent()
		if t == "" {
			continue
		}
		turns = append(turns, agent.HistoryTurn{Role: m.From, Text: t})
	}
	return turns
}

// clientFor returns a cached API client for the account, rebuilding it when
// credentials change (config hot reload).
func (r *Router) clientFor(acc config.CrispAccountConfig) *Client {
	key := acc.ID + "\x00" + acc.Identifier + "\x00" + acc.Key
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c
	}
	c := r.newClient(acc)
	r.clients[key] = c
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
