package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"healthsync-chat/internal/models"
	"healthsync-chat/internal/observability"
)

// Hub tracks open sockets and the users they are registered for.
type Hub struct {
	clients map[*Client]struct{}
	users   map[string]map[*Client]struct{}
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		users:   make(map[string]map[*Client]struct{}),
		logger:  logger.Named("hub"),
	}
}

// Add tracks a freshly upgraded, not yet registered socket.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Register binds a socket to a user. Registering the same user again is a no-op;
// registering another user moves the binding.
func (h *Hub) Register(c *Client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	if c.userID == userID {
		if _, ok := h.users[userID][c]; ok {
			return
		}
	}
	h.unbindLocked(c)

	if _, ok := h.users[userID]; !ok {
		h.users[userID] = make(map[*Client]struct{})
	}
	h.users[userID][c] = struct{}{}
	c.userID = userID
	observability.SetWSRegisteredUsers(len(h.users))
}

// Remove forgets a socket and its user binding.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	h.unbindLocked(c)
	observability.SetWSRegisteredUsers(len(h.users))
}

func (h *Hub) unbindLocked(c *Client) {
	if c.userID == "" {
		return
	}
	if conns, ok := h.users[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.userID)
		}
	}
	c.userID = ""
}

// RegisteredUser returns the user a socket is bound to.
func (h *Hub) RegisteredUser(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.userID
}

// IsOnline reports whether the user has at least one registered socket.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// SendToUser queues an event on every socket of the user and returns how many accepted it.
func (h *Hub) SendToUser(userID string, event models.ServerEvent) int {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", zap.String("type", event.Type), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	conns := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.enqueue(payload) {
			delivered++
			continue
		}
		h.logger.Warn("dropping slow websocket client", zap.String("conn_id", c.info.ConnID), zap.String("user_id", userID))
		observability.IncWSPush(event.Type, "dropped")
		c.close()
		h.Remove(c)
	}
	switch {
	case delivered > 0:
		observability.IncWSPush(event.Type, "delivered")
	case len(conns) == 0:
		observability.IncWSPush(event.Type, "offline")
	}
	return delivered
}

// NotifyMessage pushes newMessage to the receiver and messageSent to the sender.
func (h *Hub) NotifyMessage(msg models.Message) {
	h.SendToUser(msg.Receiver, models.NewMessageEvent(models.EventNewMessage, msg))
	h.SendToUser(msg.Sender, models.NewMessageEvent(models.EventMessageSent, msg))
}
