package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"healthsync-chat/internal/models"
	"healthsync-chat/internal/observability"
	"healthsync-chat/internal/telemetry"
)

// MessageLookup loads the stored copy of a relayed message.
type MessageLookup interface {
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
}

// ChatWebSocketHandler upgrades chat sockets and hands them to the hub.
type ChatWebSocketHandler struct {
	hub       *Hub
	messages  MessageLookup
	emitter   *telemetry.EventEmitter
	rateLimit rate.Limit
	rateBurst int
	logger    *zap.Logger
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler. A zero rate limit disables limiting.
func NewChatWebSocketHandler(hub *Hub, messages MessageLookup, emitter *telemetry.EventEmitter, rateLimit float64, rateBurst int, logger *zap.Logger) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		hub:       hub,
		messages:  messages,
		emitter:   emitter,
		rateLimit: rate.Limit(rateLimit),
		rateBurst: rateBurst,
		logger:    logger.Named("ws"),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection. Identity is bound later by a register frame;
// when the gateway forwarded X-User-ID, register must match it.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("healthsync-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      c.GetHeader("X-User-ID"),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	var limiter *rate.Limiter
	if h.rateLimit > 0 {
		limiter = rate.NewLimiter(h.rateLimit, h.rateBurst)
	}

	client := newClient(h.hub, conn, info, limiter, h.messages, h.emitter, h.logger)
	h.hub.Add(client)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	client.emitWSEvent(ctx, "ws_connect", "")

	// The request context ends when Handle returns; the socket outlives it.
	connCtx := context.WithoutCancel(ctx)
	go client.writePump()
	go client.readPump(connCtx)
}
