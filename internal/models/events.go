package models

import (
	"encoding/json"
	"time"
)

// Event names used on the chat socket.
const (
	EventRegister    = "register"
	EventRegistered  = "registered"
	EventSendMessage = "sendMessage"
	EventNewMessage  = "newMessage"
	EventMessageSent = "messageSent"
	EventError       = "error"
)

// ClientFrame is what a client writes to the socket.
type ClientFrame struct {
	EventName string          `json:"eventName"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload binds a socket to a user.
type RegisterPayload struct {
	UserID string `json:"userId"`
}

// SendMessagePayload asks the server to relay a message to its receiver.
type SendMessagePayload struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	ClientKey string    `json:"clientKey,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ServerEvent is what the server writes to the socket. For "error" events
// Message carries a JSON string, otherwise a Message object.
type ServerEvent struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chatId,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// NewMessageEvent builds a newMessage or messageSent event.
func NewMessageEvent(eventType string, msg Message) ServerEvent {
	body, _ := json.Marshal(msg)
	return ServerEvent{Type: eventType, ChatID: msg.ConversationID, Message: body}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(text string) ServerEvent {
	body, _ := json.Marshal(text)
	return ServerEvent{Type: EventError, Message: body}
}
