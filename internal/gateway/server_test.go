package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/crispclaw/internal/bus"
	"github.com/nextlevelbuilder/crispclaw/internal/config"
	"github.com/nextlevelbuilder/crispclaw/pkg/protocol"
)

func startServer(t *testing.T) (*Server, *bus.MessageBus, string) {
	t.Helper()
	msgBus := bus.New()
	srv := NewServer(config.Default(), msgBus, msgBus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := StartTestServer(srv, ctx)
	go start()

	// Wait for the listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			return srv, msgBus, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("test server did not start")
	return nil, nil, ""
}

func TestHealthEndpoint(t *testing.T) {
	_, _, addr := startServer(t)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("health body %q: %v", body, err)
	}
	if payload["status"] != "ok" {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebhookChainDispatch(t *testing.T) {
	srv, _, _ := startServer(t)

	claimed := false
	srv.RegisterWebhook(func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/crisp/main/webhook" {
			return false
		}
		claimed = true
		w.WriteHeader(http.StatusOK)
		return true
	})

	probe := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		srv.dispatchWebhook(rec, req)
		return rec.Code
	}

	if code := probe("/crisp/main/webhook"); code != http.StatusOK {
		t.Errorf("claimed path status = %d", code)
	}
	if !claimed {
		t.Error("webhook handler was not invoked")
	}
	if code := probe("/nope"); code != http.StatusNotFound {
		t.Errorf("unclaimed path status = %d, want 404", code)
	}
}

func TestWebSocketEventStream(t *testing.T) {
	srv, msgBus, addr := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the subscription to be registered.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.RLock()
		n := len(srv.clients)
		srv.mu.RUnlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	msgBus.Broadcast(bus.Event{Name: "crisp.message", Payload: map[string]any{"session_id": "s1"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.EventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	if frame.Type != protocol.FrameEvent || frame.Name != "crisp.message" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestWebSocketInboundReply(t *testing.T) {
	_, msgBus, addr := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := protocol.MessageFrame{
		Type:       protocol.FrameMessage,
		Channel:    "crisp",
		ChatID:     "session_1",
		Content:    "the runtime's reply",
		DispatchID: "d-1",
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound message published from the client frame")
	}
	if msg.Content != "the runtime's reply" || msg.DispatchID != "d-1" || msg.ChatID != "session_1" {
		t.Errorf("outbound = %+v", msg)
	}
}
