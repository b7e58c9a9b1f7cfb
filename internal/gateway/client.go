package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/crispclaw/internal/bus"
	"github.com/nextlevelbuilder/crispclaw/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueSize  = 64
	maxMessageSize = 1 << 20
)

// Client is one connected runtime on the WebSocket event stream. It receives
// every broadcast event and can send message frames back, which are
// published as outbound bus messages.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// SendEvent queues an event for delivery. Slow clients drop frames rather
// than stall the broadcaster.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("encode event frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("client send queue full, event dropped", "id", c.id, "event", event.Name)
	}
}

// Close tears the connection down.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Run services the connection until it closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump()
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "id", c.id, "error", err)
			}
			return
		}

		var frame protocol.MessageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("unparseable client frame dropped", "id", c.id, "error", err)
			continue
		}
		if frame.Type != protocol.FrameMessage {
			slog.Debug("non-message client frame ignored", "id", c.id, "type", frame.Type)
			continue
		}

		c.server.msgs.PublishOutbound(bus.OutboundMessage{
			Channel:    frame.Channel,
			AccountID:  frame.AccountID,
			ChatID:     frame.ChatID,
			Content:    frame.Content,
			MediaURLs:  frame.MediaURLs,
			DispatchID: frame.DispatchID,
			Metadata:   frame.Metadata,
		})
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
