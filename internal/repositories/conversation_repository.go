package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"healthsync-chat/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot create conversation with self")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGetConversation(ctx context.Context, userID string, peerID string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	FindBetween(ctx context.Context, userID string, peerID string) (models.Conversation, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id::text AS id, participant_a, participant_b, created_at`

// CreateOrGetConversation returns the conversation between two users, creating it on first use.
func (r *ConversationRepo) CreateOrGetConversation(ctx context.Context, userID string, peerID string) (models.Conversation, error) {
	if userID == peerID {
		return models.Conversation{}, ErrSelfConversation
	}
	a, b := models.SortedPair(userID, peerID)

	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `INSERT INTO conversations (participant_a, participant_b) VALUES ($1, $2)
        ON CONFLICT (participant_a, participant_b) DO NOTHING
        RETURNING `+conversationColumns, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}
	return r.FindBetween(ctx, a, b)
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// FindBetween looks up the conversation of a participant pair without creating it.
func (r *ConversationRepo) FindBetween(ctx context.Context, userID string, peerID string) (models.Conversation, error) {
	a, b := models.SortedPair(userID, peerID)
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE participant_a=$1 AND participant_b=$2`, a, b)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}
