package chatsync

import (
	"context"
	"errors"
	"time"

	"healthsync-chat/internal/models"
)

var (
	ErrNoIdentity          = errors.New("user identity unknown")
	ErrEmptyBody           = errors.New("message body is empty")
	ErrInvalidReceiver     = errors.New("invalid receiver")
	ErrInvalidParticipants = errors.New("conversation needs two participants")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotFailed           = errors.New("message is not in failed state")
	ErrNotAddressed        = errors.New("message is not addressed to the current user")
)

// Store is the request/response side of the chat backend.
type Store interface {
	// EnsureConversation creates or returns the conversation between the two users.
	EnsureConversation(ctx context.Context, userID, peerID string) (string, error)
	// History returns the conversation with its latest messages in ascending
	// order. A conversation that does not exist yet comes back empty.
	History(ctx context.Context, userID, peerID string, limit int) (models.Conversation, error)
	CreateMessage(ctx context.Context, chatID string, req models.CreateMessageRequest) (models.Message, error)
	MarkSeen(ctx context.Context, chatID, messageID string) (models.Message, error)
}

// Publisher is the push side, normally a *transport.Adapter.
type Publisher interface {
	Send(eventName string, payload any) bool
}

// Identity reports the signed-in user, normally a *session.Binder.
type Identity interface {
	UserID() string
}

// Config tunes a Synchronizer.
type Config struct {
	// SelfType is the participant type of the local user (patient or doctor).
	SelfType string
	// Timeout bounds every store call.
	Timeout time.Duration
	// HistoryLimit is passed to Store.History; 0 lets the backend decide.
	HistoryLimit int
}

const defaultTimeout = 10 * time.Second
