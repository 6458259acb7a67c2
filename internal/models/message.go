package models

import "time"

const (
	ParticipantPatient = "patient"
	ParticipantDoctor  = "doctor"
)

// Message is a chat message as stored and as carried on the wire.
type Message struct {
	ID             string    `db:"id" json:"_id,omitempty"`
	ConversationID string    `db:"conversation_id" json:"chatId,omitempty"`
	Sender         string    `db:"sender" json:"sender"`
	SenderType     string    `db:"sender_type" json:"senderType,omitempty"`
	Receiver       string    `db:"receiver" json:"receiver"`
	ReceiverType   string    `db:"receiver_type" json:"receiverType,omitempty"`
	Body           string    `db:"body" json:"message"`
	ClientKey      string    `db:"client_key" json:"clientKey,omitempty"`
	Seen           bool      `db:"seen" json:"seen"`
	CreatedAt      time.Time `db:"created_at" json:"timestamp"`
}

// CreateMessageRequest is the body of a send-message call.
type CreateMessageRequest struct {
	Sender       string `json:"sender" binding:"required"`
	SenderType   string `json:"senderType" binding:"required,oneof=patient doctor"`
	Receiver     string `json:"receiver" binding:"required"`
	ReceiverType string `json:"receiverType" binding:"required,oneof=patient doctor"`
	Message      string `json:"message" binding:"required"`
	ClientKey    string `json:"clientKey,omitempty"`
}

// CounterpartType returns the participant type on the other side of a conversation.
func CounterpartType(selfType string) string {
	if selfType == ParticipantDoctor {
		return ParticipantPatient
	}
	return ParticipantDoctor
}
