package chatsync

import "time"

// ViewMessage is one row of the rendered conversation.
type ViewMessage struct {
	Key       string
	ID        string
	ChatID    string
	Sender    string
	Receiver  string
	Body      string
	Timestamp time.Time
	// Seen is the server-confirmed receipt and never reverts.
	Seen bool
	// SeenPending is set while a receipt update is in flight.
	SeenPending bool
	Status      Status
	Error       string
}

// Update is delivered to subscribers after every change to a conversation.
type Update struct {
	Conversation string
	ChatID       string
	Messages     []ViewMessage
}

func (c *conversation) view() []ViewMessage {
	entries := c.sorted()
	out := make([]ViewMessage, 0, len(entries))
	for _, e := range entries {
		vm := ViewMessage{
			Key:         e.key,
			ID:          e.msg.ID,
			ChatID:      e.msg.ConversationID,
			Sender:      e.msg.Sender,
			Receiver:    e.msg.Receiver,
			Body:        e.msg.Body,
			Timestamp:   e.msg.CreatedAt,
			Seen:        e.msg.Seen,
			SeenPending: e.seenPending,
			Status:      e.status,
		}
		if e.err != nil {
			vm.Error = e.err.Error()
		}
		out = append(out, vm)
	}
	return out
}
