package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"healthsync-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, conversationID string, req models.CreateMessageRequest) (models.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	MarkSeen(ctx context.Context, conversationID string, messageID string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id::text AS id, conversation_id::text AS conversation_id, sender, sender_type, receiver, receiver_type,
        body, COALESCE(client_key, '') AS client_key, seen, created_at`

// CreateMessage stores a message and reports whether a row was inserted. A
// repeated (sender, client key) returns the row stored by the first call with
// created set to false.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID string, req models.CreateMessageRequest) (models.Message, bool, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `INSERT INTO messages (conversation_id, sender, sender_type, receiver, receiver_type, body, client_key)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
        ON CONFLICT (sender, client_key) DO NOTHING
        RETURNING `+messageColumns,
		conversationID, req.Sender, req.SenderType, req.Receiver, req.ReceiverType, req.Message, req.ClientKey)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || req.ClientKey == "" {
		return models.Message{}, false, err
	}

	err = r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE sender=$1 AND client_key=$2`, req.Sender, req.ClientKey)
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, false, nil
}

// ListMessages returns the latest messages of a conversation in ascending order.
// A limit of zero returns the whole conversation.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT * FROM (
            SELECT ` + messageColumns + `
            FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at DESC, id DESC
            LIMIT NULLIF($2, 0)
        ) latest
        ORDER BY created_at ASC, id::bigint ASC`
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, query, conversationID, limit)
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkSeen sets the seen flag. Marking an already seen message succeeds.
func (r *MessageRepo) MarkSeen(ctx context.Context, conversationID string, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET seen = TRUE WHERE id=$1 AND conversation_id=$2 RETURNING `+messageColumns, messageID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}
