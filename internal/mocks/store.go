package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"healthsync-chat/internal/models"
)

// StoreMock mocks the chat REST API as seen by the synchronizer.
type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) EnsureConversation(ctx context.Context, userID, peerID string) (string, error) {
	args := m.Called(ctx, userID, peerID)
	return args.String(0), args.Error(1)
}

func (m *StoreMock) History(ctx context.Context, userID, peerID string, limit int) (models.Conversation, error) {
	args := m.Called(ctx, userID, peerID, limit)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *StoreMock) CreateMessage(ctx context.Context, chatID string, req models.CreateMessageRequest) (models.Message, error) {
	args := m.Called(ctx, chatID, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *StoreMock) MarkSeen(ctx context.Context, chatID, messageID string) (models.Message, error) {
	args := m.Called(ctx, chatID, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

// PushMock records transport sends.
type PushMock struct {
	mock.Mock
}

func (m *PushMock) Send(eventName string, payload any) bool {
	args := m.Called(eventName, payload)
	return args.Bool(0)
}
