package chatsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MarkSeen records that the current user has seen a message. It does nothing
// when the message is already seen or an update is in flight. The local flag
// flips before the store call and is rolled back if the call fails.
func (s *Synchronizer) MarkSeen(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	c := s.byChat[conversationID]
	if c != nil {
		s.seenAttempted[messageID] = struct{}{}
	}
	s.mu.Unlock()
	if c == nil {
		return ErrUnknownConversation
	}
	return s.markSeen(ctx, c, messageID)
}

func (s *Synchronizer) markSeen(ctx context.Context, c *conversation, messageID string) error {
	user := s.id.UserID()

	s.mu.Lock()
	e := c.byServer[messageID]
	switch {
	case e == nil:
		s.mu.Unlock()
		return ErrUnknownMessage
	case user == "" || e.msg.Receiver != user:
		s.mu.Unlock()
		return ErrNotAddressed
	case e.msg.Seen || e.seenPending:
		s.mu.Unlock()
		return nil
	}
	chatID := c.chatID
	if chatID == "" {
		chatID = e.msg.ConversationID
	}
	if chatID == "" {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	e.seenPending = true
	c.touch(e)
	s.mu.Unlock()
	s.notify(c)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	_, err := s.store.MarkSeen(ctx, chatID, messageID)
	cancel()

	s.mu.Lock()
	e.seenPending = false
	if err == nil {
		e.msg.Seen = true
	}
	c.touch(e)
	s.mu.Unlock()
	s.notify(c)

	if err != nil {
		return fmt.Errorf("mark message %s seen: %w", messageID, err)
	}
	return nil
}

// seenCandidatesLocked picks the unseen messages addressed to user that have
// never been marked this session and claims them.
func (s *Synchronizer) seenCandidatesLocked(c *conversation, user string) []string {
	if user == "" {
		return nil
	}
	var ids []string
	for _, e := range c.sorted() {
		if e.msg.ID == "" || e.msg.Receiver != user || e.msg.Seen || e.seenPending {
			continue
		}
		if _, ok := s.seenAttempted[e.msg.ID]; ok {
			continue
		}
		s.seenAttempted[e.msg.ID] = struct{}{}
		ids = append(ids, e.msg.ID)
	}
	return ids
}

func (s *Synchronizer) autoMark(c *conversation, ids []string) {
	for _, id := range ids {
		id := id
		s.goAsync(func(ctx context.Context) {
			if err := s.markSeen(ctx, c, id); err != nil {
				s.logger.Warn("automatic seen update failed", zap.String("message_id", id), zap.Error(err))
			}
		})
	}
}
