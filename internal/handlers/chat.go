package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"healthsync-chat/internal/models"
	"healthsync-chat/internal/observability"
	"healthsync-chat/internal/repositories"
	"healthsync-chat/internal/telemetry"
)

// Notifier pushes persisted messages to connected sockets.
type Notifier interface {
	NotifyMessage(msg models.Message)
}

// ChatHandler serves the conversation REST endpoints.
type ChatHandler struct {
	convRepo        repositories.ConversationRepository
	messageRepo     repositories.MessageRepository
	notifier        Notifier
	emitter         *telemetry.EventEmitter
	maxHistoryLimit int
	logger          *zap.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(convRepo repositories.ConversationRepository, messageRepo repositories.MessageRepository, notifier Notifier, emitter *telemetry.EventEmitter, maxHistoryLimit int, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		convRepo:        convRepo,
		messageRepo:     messageRepo,
		notifier:        notifier,
		emitter:         emitter,
		maxHistoryLimit: maxHistoryLimit,
		logger:          logger.Named("handlers"),
	}
}

// StartConversation creates or returns the conversation between the caller and a peer.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req struct {
		Participants []string `json:"participants" binding:"required,len=2"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := userIDFromContext(c)
	conv := models.Conversation{ParticipantA: req.Participants[0], ParticipantB: req.Participants[1]}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "caller must be a participant"})
		return
	}

	conv, err := h.convRepo.CreateOrGetConversation(c.Request.Context(), userID, conv.Counterpart(userID))
	if err != nil {
		if errors.Is(err, repositories.ErrSelfConversation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
			return
		}
		h.logger.Error("create conversation", zap.String("request_id", requestIDFromContext(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"_id": conv.ID}})
}

// GetConversationBetween returns the conversation of two participants with its messages.
func (h *ChatHandler) GetConversationBetween(c *gin.Context) {
	a, b := c.Param("participant_a"), c.Param("participant_b")
	userID := userIDFromContext(c)
	if userID != a && userID != b {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return
	}

	limit, ok := h.parseLimit(c)
	if !ok {
		return
	}

	conv, err := h.convRepo.FindBetween(c.Request.Context(), a, b)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		h.logger.Error("find conversation", zap.String("request_id", requestIDFromContext(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), conv.ID, limit)
	if err != nil {
		h.logger.Error("list messages", zap.String("request_id", requestIDFromContext(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	conv.Messages = msgs

	c.JSON(http.StatusOK, gin.H{"data": conv})
}

// PostMessage stores a message and pushes it to both participants.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	conv, ok := h.loadConversation(c)
	if !ok {
		return
	}

	var req models.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Sender != userIDFromContext(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender must be the caller"})
		return
	}
	if conv.Counterpart(req.Sender) != req.Receiver {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver is not the other participant"})
		return
	}

	msg, created, err := h.messageRepo.CreateMessage(c.Request.Context(), conv.ID, req)
	if err != nil {
		h.logger.Error("store message", zap.String("request_id", requestIDFromContext(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	if h.notifier != nil {
		h.notifier.NotifyMessage(msg)
	}
	if !created {
		// Retry of a stored send: push again, record nothing new.
		h.logger.Debug("message already stored", zap.String("message_id", msg.ID), zap.String("client_key", req.ClientKey))
		c.JSON(http.StatusOK, gin.H{"data": msg})
		return
	}
	observability.IncMessagePersisted()
	h.emitter.Emit(c.Request.Context(), telemetry.RoutingMessageCreated, "message_created", eventMeta(c), msg)

	c.JSON(http.StatusCreated, gin.H{"data": msg})
}

// MarkSeen flags a message as seen by its receiver. Repeating the call is harmless.
func (h *ChatHandler) MarkSeen(c *gin.Context) {
	conv, ok := h.loadConversation(c)
	if !ok {
		return
	}
	messageID := c.Param("message_id")
	if _, err := strconv.ParseInt(messageID, 10, 64); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	msg, err := h.messageRepo.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}
	if msg.ConversationID != conv.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message does not belong to conversation"})
		return
	}
	if msg.Receiver != userIDFromContext(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the receiver can mark a message seen"})
		return
	}
	if msg.Seen {
		c.JSON(http.StatusOK, gin.H{"data": msg})
		return
	}

	msg, err = h.messageRepo.MarkSeen(c.Request.Context(), conv.ID, messageID)
	if err != nil {
		h.logger.Error("mark seen", zap.String("request_id", requestIDFromContext(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark message seen"})
		return
	}
	observability.IncMessageSeen()
	h.emitter.Emit(c.Request.Context(), telemetry.RoutingMessageSeen, "message_seen", eventMeta(c), msg)

	c.JSON(http.StatusOK, gin.H{"data": msg})
}

func (h *ChatHandler) loadConversation(c *gin.Context) (models.Conversation, bool) {
	chatID := c.Param("chat_id")
	if _, err := strconv.ParseInt(chatID, 10, 64); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return models.Conversation{}, false
	}

	conv, err := h.convRepo.GetConversation(c.Request.Context(), chatID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return models.Conversation{}, false
	}
	if !conv.HasParticipant(userIDFromContext(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return models.Conversation{}, false
	}
	return conv, true
}

func (h *ChatHandler) parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return h.capLimit(0), true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	return h.capLimit(limit), true
}

// capLimit applies the server cap. Zero means unbounded unless a cap is configured.
func (h *ChatHandler) capLimit(limit int) int {
	if h.maxHistoryLimit > 0 && (limit == 0 || limit > h.maxHistoryLimit) {
		return h.maxHistoryLimit
	}
	return limit
}
