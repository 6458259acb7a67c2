package transport

import (
	"encoding/json"
	"fmt"

	"healthsync-chat/internal/models"
)

// State is the connection state of the adapter.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// EventKind enumerates every event the adapter can dispatch.
type EventKind int

const (
	KindOpen EventKind = iota
	KindClose
	KindError
	KindNewMessage
	KindMessageSent
	KindRegistered
)

func (k EventKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindError:
		return "error"
	case KindNewMessage:
		return models.EventNewMessage
	case KindMessageSent:
		return models.EventMessageSent
	case KindRegistered:
		return models.EventRegistered
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is the sum of OpenEvent, CloseEvent, ErrorEvent, NewMessageEvent,
// MessageSentEvent and RegisteredEvent.
type Event interface {
	Kind() EventKind
}

// OpenEvent is emitted locally once the socket is up.
type OpenEvent struct{}

// CloseEvent is emitted locally when the socket goes away.
type CloseEvent struct {
	Reason string
}

// ErrorEvent carries transport failures and server error frames.
type ErrorEvent struct {
	Message string
}

// NewMessageEvent is a message pushed to its receiver.
type NewMessageEvent struct {
	ChatID  string
	Message models.Message
}

// MessageSentEvent echoes a send back to its sender.
type MessageSentEvent struct {
	ChatID  string
	Message models.Message
}

// RegisteredEvent acknowledges a register frame.
type RegisteredEvent struct {
	UserID string
}

func (OpenEvent) Kind() EventKind        { return KindOpen }
func (CloseEvent) Kind() EventKind       { return KindClose }
func (ErrorEvent) Kind() EventKind       { return KindError }
func (NewMessageEvent) Kind() EventKind  { return KindNewMessage }
func (MessageSentEvent) Kind() EventKind { return KindMessageSent }
func (RegisteredEvent) Kind() EventKind  { return KindRegistered }

type inboundFrame struct {
	Type      string          `json:"type"`
	EventName string          `json:"eventName"`
	ChatID    string          `json:"chatId"`
	UserID    string          `json:"userId"`
	Message   json.RawMessage `json:"message"`
}

// decodeFrame turns a raw socket frame into an Event. Frames that are not JSON,
// lack a discriminator, name an unknown event, or carry an unusable body are
// reported as not ok and must be dropped.
func decodeFrame(raw []byte) (Event, bool) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}
	name := f.Type
	if name == "" {
		name = f.EventName
	}

	switch name {
	case models.EventNewMessage, models.EventMessageSent:
		var msg models.Message
		if len(f.Message) == 0 || json.Unmarshal(f.Message, &msg) != nil {
			return nil, false
		}
		if msg.Sender == "" || msg.Receiver == "" {
			return nil, false
		}
		chatID := f.ChatID
		if chatID == "" {
			chatID = msg.ConversationID
		}
		if msg.ConversationID == "" {
			msg.ConversationID = chatID
		}
		if name == models.EventNewMessage {
			return NewMessageEvent{ChatID: chatID, Message: msg}, true
		}
		return MessageSentEvent{ChatID: chatID, Message: msg}, true
	case models.EventRegistered:
		return RegisteredEvent{UserID: f.UserID}, true
	case models.EventError:
		var text string
		if len(f.Message) > 0 && json.Unmarshal(f.Message, &text) != nil {
			text = string(f.Message)
		}
		return ErrorEvent{Message: text}, true
	}
	return nil, false
}
