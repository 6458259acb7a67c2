package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"healthsync-chat/internal/models"
	"healthsync-chat/internal/observability"
	"healthsync-chat/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
	lookupTimeout  = 5 * time.Second
)

// Client is one server-side socket.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	info    ConnInfo
	limiter  *rate.Limiter
	messages MessageLookup
	emitter *telemetry.EventEmitter
	logger  *zap.Logger

	// guarded by hub.mu
	userID string
}

func newClient(hub *Hub, conn *websocket.Conn, info ConnInfo, limiter *rate.Limiter, messages MessageLookup, emitter *telemetry.EventEmitter, logger *zap.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		info:     info,
		limiter:  limiter,
		messages: messages,
		emitter:  emitter,
		logger:   logger.With(zap.String("conn_id", info.ConnID)),
	}
}

// enqueue hands a frame to the write pump without blocking. It returns false
// when the client is closed or its buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) sendEvent(event models.ServerEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *Client) sendError(text string) {
	observability.IncWSEvent("ws_error_reply")
	c.sendEvent(models.NewErrorEvent(text))
}

func (c *Client) readPump(ctx context.Context) {
	var closeReason string
	defer func() {
		c.hub.Remove(c)
		c.close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		c.emitWSEvent(ctx, "ws_disconnect", closeReason)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				c.emitWSEvent(ctx, "ws_error", closeReason)
			}
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendError("rate_limited")
		return
	}

	var frame models.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError("invalid_json")
		return
	}

	switch frame.EventName {
	case models.EventRegister:
		c.handleRegister(frame.Payload)
	case models.EventSendMessage:
		c.handleSendMessage(ctx, frame.Payload)
	default:
		c.sendError("unsupported_event")
	}
}

func (c *Client) handleRegister(raw json.RawMessage) {
	var p models.RegisterPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		c.sendError("missing_user_id")
		return
	}
	if c.info.UserID != "" && c.info.UserID != p.UserID {
		c.sendError("identity_mismatch")
		return
	}

	c.hub.Register(c, p.UserID)
	observability.IncWSEvent("ws_register")
	c.logger.Debug("socket registered", zap.String("user_id", p.UserID))
	c.sendEvent(models.ServerEvent{Type: models.EventRegistered, UserID: p.UserID})
}

// handleSendMessage relays a message the sender already stored over REST. Only
// the stored row is forwarded; the frame just names it.
func (c *Client) handleSendMessage(ctx context.Context, raw json.RawMessage) {
	userID := c.hub.RegisteredUser(c)
	if userID == "" {
		c.sendError("not_registered")
		return
	}

	var p models.SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" || p.Receiver == "" {
		c.sendError("missing_fields")
		return
	}
	if p.Sender != userID {
		c.sendError("sender_mismatch")
		return
	}
	if c.messages == nil {
		c.sendError("relay_unavailable")
		return
	}

	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	msg, err := c.messages.GetMessage(lctx, p.MessageID)
	cancel()
	if err != nil {
		c.logger.Debug("relay lookup failed", zap.String("message_id", p.MessageID), zap.Error(err))
		c.sendError("unknown_message")
		return
	}
	if msg.Sender != userID || msg.Receiver != p.Receiver {
		c.sendError("sender_mismatch")
		return
	}

	c.hub.SendToUser(msg.Receiver, models.NewMessageEvent(models.EventNewMessage, msg))
	c.hub.SendToUser(msg.Sender, models.NewMessageEvent(models.EventMessageSent, msg))
	observability.IncWSEvent("ws_relay")
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
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

func (c *Client) emitWSEvent(ctx context.Context, event, reason string) {
	c.emitter.Emit(ctx, telemetry.RoutingWSEvents, "ws_events", telemetry.EventMeta{
		RequestID: c.info.RequestID,
		TraceID:   c.info.TraceID,
		UserID:    c.info.UserID,
	}, map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     c.info.ConnID,
			"duration_ms": time.Since(c.info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   c.info.UserID,
			"device_id": c.info.DeviceID,
			"ip":        c.info.IP,
		},
	})
}
