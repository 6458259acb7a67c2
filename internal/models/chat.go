package models

import (
	"sort"
	"time"
)

// Conversation is the thread between exactly two participants.
type Conversation struct {
	ID           string    `db:"id" json:"_id"`
	ParticipantA string    `db:"participant_a" json:"participantA"`
	ParticipantB string    `db:"participant_b" json:"participantB"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	Messages     []Message `db:"-" json:"messages"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Counterpart returns the other participant, or "" when userID is not a member.
func (c Conversation) Counterpart(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// SortedPair orders two participant ids the way conversations are stored.
func SortedPair(a, b string) (string, string) {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0], pair[1]
}

// PairKey identifies a conversation by its participants regardless of order.
func PairKey(a, b string) string {
	first, second := SortedPair(a, b)
	return first + ":" + second
}
