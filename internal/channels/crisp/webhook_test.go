package crisp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/crispclaw/internal/agent"
	"github.com/nextlevelbuilder/crispclaw/internal/bus"
	"github.com/nextlevelbuilder/crispclaw/internal/config"
)

// fakeNotifier records approval prompts instead of hitting Telegram.
type fakeNotifier struct {
	mu      sync.Mutex
	tickets []PendingReply
	newConv []Session
	fail    bool
}

func (f *fakeNotifier) NotifyApproval(ctx context.Context, ticket PendingReply) Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return Delivery{Err: errors.New("telegram unreachable")}
	}
	f.tickets = append(f.tickets, ticket)
	return Delivery{OK: true, MessageID: "notif_1", ChatID: "chat_1"}
}

func (f *fakeNotifier) NotifyNewConversation(ctx context.Context, sess Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newConv = append(f.newConv, sess)
	return nil
}

type routerFixture struct {
	router   *Router
	bus      *bus.MessageBus
	notifier *fakeNotifier
	api      *recordedRequest
	apiCalls *[]recordedRequest
	events   *[]bus.Event

	dispatchMu  sync.Mutex
	dispatched  []agent.ReplyContext
	reply       string
	dispatchErr error
}

func newRouterFixture(t *testing.T, acc config.CrispAccountConfig) *routerFixture {
	t.Helper()

	var calls []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
		w.WriteHeader(http.StatusOK)
		if strings.HasSuffix(r.URL.Path, "/messages") {
			_, _ = w.Write([]byte(`{"error":false,"data":[
				{"from":"user","type":"text","content":"earlier question","timestamp":1},
				{"from":"operator","type":"text","content":"earlier answer","timestamp":2},
				{"from":"user","type":"text","content":"current question","timestamp":3}
			]}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":false,"data":{}}`))
	}))
	t.Cleanup(srv.Close)

	f := &routerFixture{
		bus:      bus.New(),
		notifier: &fakeNotifier{},
		apiCalls: &calls,
		reply:    "Here is your answer.",
	}

	var events []bus.Event
	f.events = &events
	f.bus.Subscribe("test", func(ev bus.Event) { events = append(events, ev) })

	dispatcher := agent.DispatchFunc(func(ctx context.Context, rc agent.ReplyContext, deliver agent.DeliverFunc) error {
		f.dispatchMu.Lock()
		f.dispatched = append(f.dispatched, rc)
		reply, failWith := f.reply, f.dispatchErr
		f.dispatchMu.Unlock()
		if failWith != nil {
			return failWith
		}
		return deliver(reply, nil)
	})

	cfg := &config.Config{Accounts: []config.CrispAccountConfig{acc}}
	router, err := NewRouter(RouterDeps{
		Config:     cfg,
		Dispatcher: dispatcher,
		Events:     f.bus,
		Notifier:   f.notifier,
		ClientFactory: func(a config.CrispAccountConfig) *Client {
			return NewClient(a, WithBaseURL(srv.URL))
		},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	f.router = router
	return f
}

func (f *routerFixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	if handled := f.router.HandleWebhook(rec, req); !handled {
		t.Fatalf("HandleWebhook did not claim path %s", path)
	}
	return rec
}

// sendsTo filters recorded API calls to the message-send endpoint.
func (f *routerFixture) sendsTo(sessionID string) []recordedRequest {
	var out []recordedRequest
	for _, c := range *f.apiCalls {
		if c.Method == http.MethodPost && strings.HasSuffix(c.Path, "/conversation/"+sessionID+"/message") {
			out = append(out, c)
		}
	}
	return out
}

func visitorMessage(session, text string) string {
	return `{"event":"message:send","data":{"website_id":"web_1","session_id":"` + session +
		`","type":"text","from":"user","content":"` + text + `","user":{"user_id":"u1","nickname":"Alice"}}}`
}

func autoReplyAccount() config.CrispAccountConfig {
	return config.CrispAccountConfig{
		ID:            "main",
		WebsiteID:     "web_1",
		Identifier:    "ident",
		Key:           "key",
		WebhookSecret: "s3cret",
		AutoReply:     true,
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())

	rec := f.post(t, "/crisp/main/webhook?secret=wrong", visitorMessage("s1", "hi"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"error":"Invalid secret"}` {
		t.Errorf("body = %s", body)
	}
	if f.router.Tracker().Len() != 0 {
		t.Error("rejected request still tracked a session")
	}
	if len(f.dispatched) != 0 {
		t.Error("rejected request reached the dispatcher")
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())

	for name, body := range map[string]string{
		"not json":        "{{{",
		"missing event":   `{"data":{}}`,
		"missing session": `{"event":"message:send","data":{"website_id":"web_1","type":"text","from":"user","content":"hi"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.post(t, "/crisp/main/webhook?secret=s3cret", body)
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Internal error"}` {
				t.Errorf("body = %s", got)
			}
		})
	}
}

func TestWebhookUnknownPathNotClaimed(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())

	req := httptest.NewRequest(http.MethodPost, "/other/webhook?secret=s3cret", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	if f.router.HandleWebhook(rec, req) {
		t.Error("router claimed a path belonging to no account")
	}
}

func TestWebhookAutoReply(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())

	rec := f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "where is my order"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}

	if len(f.dispatched) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(f.dispatched))
	}
	rc := f.dispatched[0]
	if rc.Text != "where is my order" || rc.SessionID != "s1" || rc.VisitorName != "Alice" {
		t.Errorf("ReplyContext = %+v", rc)
	}
	if rc.SessionKey == "" {
		t.Error("ReplyContext missing session key")
	}

	sends := f.sendsTo("s1")
	if len(sends) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sends))
	}
	if sends[0].Body["content"] != "Here is your answer." {
		t.Errorf("reply body = %v", sends[0].Body)
	}
	if len(f.router.Pending().ListLive()) != 0 {
		t.Error("auto-reply created an approval ticket")
	}
}

func TestWebhookAutoReplyWithHistory(t *testing.T) {
	acc := autoReplyAccount()
	acc.HistoryLimit = 5
	f := newRouterFixture(t, acc)

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "current question"))

	if len(f.dispatched) != 1 {
		t.Fatalf("dispatched %d times", len(f.dispatched))
	}
	h := f.dispatched[0].History
	if len(h) != 2 {
		t.Fatalf("history has %d turns, want 2 (most recent excluded)", len(h))
	}
	if h[0].Role != "user" || h[0].Text != "earlier question" {
		t.Errorf("history[0] = %+v", h[0])
	}
	if h[1].Role != "operator" || h[1].Text != "earlier answer" {
		t.Errorf("history[1] = %+v", h[1])
	}
}

func TestWebhookDispatchFailureStaysInternal(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())
	f.dispatchErr = errors.New("runtime offline")

	rec := f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "hi"))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, dispatch failure must not change the response", rec.Code)
	}
	if len(f.sendsTo("s1")) != 0 {
		t.Error("failed dispatch still sent a reply")
	}
}

func TestWebhookResolveOnReply(t *testing.T) {
	acc := autoReplyAccount()
	acc.ResolveOnReply = true
	f := newRouterFixture(t, acc)

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "thanks, bye"))

	var patched bool
	for _, c := range *f.apiCalls {
		if c.Method == http.MethodPatch && strings.HasSuffix(c.Path, "/conversation/s1/state") {
			patched = true
			if c.Body["state"] != "resolved" {
				t.Errorf("state body = %v", c.Body)
			}
		}
	}
	if !patched {
		t.Error("conversation was not auto-resolved after reply")
	}
}

func TestWebhookOperatorMessageIgnored(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())

	body := `{"event":"message:send","data":{"website_id":"web_1","session_id":"s1","type":"text","from":"operator","content":"operator note","user":{}}}`
	rec := f.post(t, "/crisp/main/webhook?secret=s3cret", body)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if len(f.dispatched) != 0 {
		t.Error("operator message reached the dispatcher")
	}
	if f.router.Tracker().Len() != 0 {
		t.Error("operator message tracked a session")
	}
}

func TestWebhookEchoAndUnknownEventsIgnored(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())

	for name, body := range map[string]string{
		"own echo":      `{"event":"message:received","data":{"website_id":"web_1","session_id":"s1"}}`,
		"unknown event": `{"event":"website:visit","data":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.post(t, "/crisp/main/webhook?secret=s3cret", body)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if len(f.dispatched) != 0 {
				t.Error("ignored event reached the dispatcher")
			}
		})
	}
}

func TestWebhookFileMessage(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())

	body := `{"event":"message:send","data":{"website_id":"web_1","session_id":"s1","type":"file","from":"user","content":{"name":"receipt.png","url":"https://files/receipt.png","type":"image/png"},"user":{"nickname":"Alice"}}}`
	f.post(t, "/crisp/main/webhook?secret=s3cret", body)

	if len(f.dispatched) != 1 {
		t.Fatalf("dispatched %d times", len(f.dispatched))
	}
	rc := f.dispatched[0]
	if rc.Text != "[file]" {
		t.Errorf("Text = %q, want file placeholder", rc.Text)
	}
	if rc.MediaURL != "https://files/receipt.png" {
		t.Errorf("MediaURL = %q", rc.MediaURL)
	}
}

func TestWebhookSetEmail(t *testing.T) {
	f := newRouterFixture(t, autoReplyAccount())

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "hi"))
	rec := f.post(t, "/crisp/main/webhook?secret=s3cret",
		`{"event":"session:set_email","data":{"website_id":"web_1","session_id":"s1","email":"alice@example.com"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	sess, ok := f.router.Tracker().Get("s1")
	if !ok || sess.VisitorEmail != "alice@example.com" {
		t.Errorf("session = %+v, ok = %v", sess, ok)
	}
}

func TestWebhookApprovalBranch(t *testing.T) {
	acc := autoReplyAccount()
	acc.Approval = true
	f := newRouterFixture(t, acc)

	rec := f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "I want a refund"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// Approval must park the message: no dispatch, no reply to the visitor.
	if len(f.dispatched) != 0 {
		t.Error("approval branch dispatched to the agent")
	}
	if len(f.sendsTo("s1")) != 0 {
		t.Error("approval branch replied to the visitor")
	}

	live := f.router.Pending().ListLive()
	if len(live) != 1 {
		t.Fatalf("pending tickets = %d, want 1", len(live))
	}
	if live[0].Message != "I want a refund" || live[0].VisitorName != "Alice" {
		t.Errorf("ticket = %+v", live[0])
	}

	if len(f.notifier.tickets) != 1 {
		t.Fatalf("notifier received %d prompts", len(f.notifier.tickets))
	}
	// Side-channel correlation recorded for reply-to-approve.
	got, ok := f.router.Pending().FindByNotificationMessage("notif_1")
	if !ok || got.ID != live[0].ID {
		t.Error("notification IDs not attached to the ticket")
	}
}

func TestWebhookApprovalNotifierFailureKeepsTicket(t *testing.T) {
	acc := autoReplyAccount()
	acc.Approval = true
	f := newRouterFixture(t, acc)
	f.notifier.fail = true

	rec := f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "hi"))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, notifier failure must not fail the webhook", rec.Code)
	}
	if len(f.router.Pending().ListLive()) != 1 {
		t.Error("ticket lost after notification failure")
	}
}

func TestWebhookApprovalFallsBackToEvent(t *testing.T) {
	acc := autoReplyAccount()
	acc.Approval = true
	f := newRouterFixture(t, acc)
	f.router.notifier = nil

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "hi"))

	var found *bus.ApprovalPendingPayload
	for _, ev := range *f.events {
		if ev.Name == bus.EventApprovalPending {
			p := ev.Payload.(bus.ApprovalPendingPayload)
			found = &p
		}
	}
	if found == nil {
		t.Fatal("no approval.pending event broadcast")
	}
	if found.SessionID != "s1" || found.AccountID != "main" || found.TicketID == "" {
		t.Errorf("payload = %+v", found)
	}
}

func TestWebhookBothModesDisabled(t *testing.T) {
	acc := autoReplyAccount()
	acc.AutoReply = false
	f := newRouterFixture(t, acc)

	rec := f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "hi"))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if len(f.dispatched) != 0 || len(f.sendsTo("s1")) != 0 {
		t.Error("disabled account still acted on the message")
	}
	// The session is still recorded.
	if f.router.Tracker().Len() != 1 {
		t.Error("message not tracked")
	}
}

func TestResolveTicketSendsOnce(t *testing.T) {
	acc := autoReplyAccount()
	acc.Approval = true
	f := newRouterFixture(t, acc)

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "refund please"))
	ticket := f.router.Pending().ListLive()[0]

	if err := f.router.ResolveTicket(context.Background(), strings.ToUpper(ticket.ID), "Refund approved."); err != nil {
		t.Fatalf("ResolveTicket: %v", err)
	}
	sends := f.sendsTo("s1")
	if len(sends) != 1 || sends[0].Body["content"] != "Refund approved." {
		t.Errorf("sends = %v", sends)
	}

	// Second resolution must fail: the ticket was consumed.
	if err := f.router.ResolveTicket(context.Background(), ticket.ID, "again"); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("second resolve error = %v, want ErrTicketNotFound", err)
	}
	if len(f.sendsTo("s1")) != 1 {
		t.Error("ticket resolved twice")
	}
}

func TestResolveTicketUsesProposedReply(t *testing.T) {
	acc := autoReplyAccount()
	acc.Approval = true
	f := newRouterFixture(t, acc)

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "refund please"))
	ticket := f.router.Pending().ListLive()[0]
	f.router.Pending().SetProposedReply(ticket.ID, "Drafted answer.")

	if err := f.router.ResolveTicket(context.Background(), ticket.ID, ""); err != nil {
		t.Fatalf("ResolveTicket: %v", err)
	}
	sends := f.sendsTo("s1")
	if len(sends) != 1 || sends[0].Body["content"] != "Drafted answer." {
		t.Errorf("sends = %v", sends)
	}
}

func TestResolveTicketWithoutTextKeepsTicket(t *testing.T) {
	acc := autoReplyAccount()
	acc.Approval = true
	f := newRouterFixture(t, acc)

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "refund please"))
	ticket := f.router.Pending().ListLive()[0]

	if err := f.router.ResolveTicket(context.Background(), ticket.ID, ""); !errors.Is(err, ErrNoReplyText) {
		t.Fatalf("error = %v, want ErrNoReplyText", err)
	}
	if len(f.router.Pending().ListLive()) != 1 {
		t.Error("ticket consumed despite having nothing to send")
	}
}

func TestRejectTicket(t *testing.T) {
	acc := autoReplyAccount()
	acc.Approval = true
	f := newRouterFixture(t, acc)

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "refund please"))
	ticket := f.router.Pending().ListLive()[0]

	if err := f.router.RejectTicket(ticket.ID); err != nil {
		t.Fatalf("RejectTicket: %v", err)
	}
	if len(f.sendsTo("s1")) != 0 {
		t.Error("rejected ticket sent a reply")
	}
	if len(f.router.Pending().ListLive()) != 0 {
		t.Error("rejected ticket still live")
	}

	var resolved bool
	for _, ev := range *f.events {
		if ev.Name == bus.EventApprovalResolved {
			if p := ev.Payload.(map[string]string); p["resolution"] == ResolutionRejected {
				resolved = true
			}
		}
	}
	if !resolved {
		t.Error("no approval.resolved event with rejected resolution")
	}
}

func TestResolveByNotification(t *testing.T) {
	acc := autoReplyAccount()
	acc.Approval = true
	f := newRouterFixture(t, acc)

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "refund please"))

	// The fixture notifier attached notif_1 to the ticket.
	if err := f.router.ResolveByNotification(context.Background(), "notif_1", "Reply via side channel."); err != nil {
		t.Fatalf("ResolveByNotification: %v", err)
	}
	sends := f.sendsTo("s1")
	if len(sends) != 1 || sends[0].Body["content"] != "Reply via side channel." {
		t.Errorf("sends = %v", sends)
	}

	if err := f.router.ResolveByNotification(context.Background(), "notif_unknown", "x"); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("unknown notification error = %v", err)
	}
}

func TestWebhookNotifyOnNew(t *testing.T) {
	acc := autoReplyAccount()
	acc.NotifyOnNew = true
	f := newRouterFixture(t, acc)

	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "hello"))
	f.post(t, "/crisp/main/webhook?secret=s3cret", visitorMessage("s1", "anyone there?"))

	if len(f.notifier.newConv) != 1 {
		t.Errorf("new-conversation notices = %d, want exactly 1", len(f.notifier.newConv))
	}
}
