package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthsync-chat/internal/middleware"
	"healthsync-chat/internal/mocks"
	"healthsync-chat/internal/models"
	"healthsync-chat/internal/repositories"
	"healthsync-chat/internal/telemetry"
)

const (
	patientID = "patient-1"
	doctorID  = "doctor-1"
)

func setupChatRouter(handler *ChatHandler, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	})
	r.POST("/conversations", handler.StartConversation)
	r.GET("/conversations/between/:participant_a/:participant_b", handler.GetConversationBetween)
	r.POST("/conversations/:chat_id/messages", handler.PostMessage)
	r.PATCH("/conversations/:chat_id/messages/:message_id/seen", handler.MarkSeen)
	return r
}

func newHandler(convRepo *mocks.ConversationRepositoryMock, messageRepo *mocks.MessageRepositoryMock, notifier Notifier, publisher *mocks.PublisherMock) *ChatHandler {
	var emitter *telemetry.EventEmitter
	if publisher != nil {
		emitter = telemetry.NewEventEmitter(publisher, "healthsync-chat", "test", zap.NewNop())
	}
	return NewChatHandler(convRepo, messageRepo, notifier, emitter, 500, zap.NewNop())
}

func conversation() models.Conversation {
	return models.Conversation{ID: "5", ParticipantA: doctorID, ParticipantB: patientID}
}

func TestStartConversationSuccess(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, nil, nil, nil), patientID)

	convRepo.On("CreateOrGetConversation", mock.Anything, patientID, doctorID).Return(conversation(), nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewBufferString(`{"participants":["patient-1","doctor-1"]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"_id":"5"}}`, rec.Body.String())
	convRepo.AssertExpectations(t)
}

func TestStartConversationRejectsOutsider(t *testing.T) {
	router := setupChatRouter(newHandler(new(mocks.ConversationRepositoryMock), nil, nil, nil), "patient-9")

	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewBufferString(`{"participants":["patient-1","doctor-1"]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStartConversationWithSelf(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, nil, nil, nil), patientID)

	convRepo.On("CreateOrGetConversation", mock.Anything, patientID, patientID).Return(nil, repositories.ErrSelfConversation).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewBufferString(`{"participants":["patient-1","patient-1"]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	convRepo.AssertExpectations(t)
}

func TestGetConversationBetweenSuccess(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, nil, nil), patientID)

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	convRepo.On("FindBetween", mock.Anything, patientID, doctorID).Return(conversation(), nil).Once()
	messageRepo.On("ListMessages", mock.Anything, "5", 20).Return([]models.Message{
		{ID: "1", ConversationID: "5", Sender: doctorID, Receiver: patientID, Body: "hello", CreatedAt: ts},
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/between/patient-1/doctor-1?limit=20", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data models.Conversation `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "5", resp.Data.ID)
	require.Len(t, resp.Data.Messages, 1)
	assert.Equal(t, "hello", resp.Data.Messages[0].Body)
	assert.False(t, resp.Data.Messages[0].Seen)
	convRepo.AssertExpectations(t)
	messageRepo.AssertExpectations(t)
}

func TestGetConversationBetweenCapsLimit(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, nil, nil), patientID)

	convRepo.On("FindBetween", mock.Anything, patientID, doctorID).Return(conversation(), nil).Once()
	messageRepo.On("ListMessages", mock.Anything, "5", 500).Return([]models.Message{}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/between/patient-1/doctor-1?limit=100000", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	messageRepo.AssertExpectations(t)
}

func TestGetConversationBetweenNotFound(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, new(mocks.MessageRepositoryMock), nil, nil), patientID)

	convRepo.On("FindBetween", mock.Anything, patientID, doctorID).Return(nil, repositories.ErrConversationNotFound).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/between/patient-1/doctor-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetConversationBetweenRejectsInvalidLimit(t *testing.T) {
	router := setupChatRouter(newHandler(new(mocks.ConversationRepositoryMock), nil, nil, nil), patientID)

	req := httptest.NewRequest(http.MethodGet, "/conversations/between/patient-1/doctor-1?limit=-3", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageSuccess(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	notifier := new(mocks.NotifierMock)
	publisher := new(mocks.PublisherMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, notifier, publisher), patientID)

	body := models.CreateMessageRequest{
		Sender: patientID, SenderType: "patient", Receiver: doctorID, ReceiverType: "doctor", Message: "hi", ClientKey: "k1",
	}
	stored := models.Message{ID: "7", ConversationID: "5", Sender: patientID, Receiver: doctorID, Body: "hi", ClientKey: "k1"}

	convRepo.On("GetConversation", mock.Anything, "5").Return(conversation(), nil).Once()
	messageRepo.On("CreateMessage", mock.Anything, "5", body).Return(stored, true, nil).Once()
	notifier.On("NotifyMessage", stored).Once()
	publisher.On("Publish", mock.Anything, telemetry.RoutingMessageCreated, mock.AnythingOfType("telemetry.EventEnvelope")).Return(nil).Once()

	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/conversations/5/messages", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Data models.Message `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "7", resp.Data.ID)
	assert.Equal(t, "k1", resp.Data.ClientKey)
	convRepo.AssertExpectations(t)
	messageRepo.AssertExpectations(t)
	notifier.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestPostMessageRetryDoesNotEmitAgain(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	notifier := new(mocks.NotifierMock)
	publisher := new(mocks.PublisherMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, notifier, publisher), patientID)

	body := models.CreateMessageRequest{
		Sender: patientID, SenderType: "patient", Receiver: doctorID, ReceiverType: "doctor", Message: "hi", ClientKey: "k1",
	}
	existing := models.Message{ID: "7", ConversationID: "5", Sender: patientID, Receiver: doctorID, Body: "hi", ClientKey: "k1"}

	convRepo.On("GetConversation", mock.Anything, "5").Return(conversation(), nil).Once()
	messageRepo.On("CreateMessage", mock.Anything, "5", body).Return(existing, false, nil).Once()
	notifier.On("NotifyMessage", existing).Once()

	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/conversations/5/messages", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data models.Message `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "7", resp.Data.ID)
	messageRepo.AssertExpectations(t)
	notifier.AssertExpectations(t)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPostMessageRejectsSpoofedSender(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, new(mocks.MessageRepositoryMock), nil, nil), patientID)

	convRepo.On("GetConversation", mock.Anything, "5").Return(conversation(), nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/5/messages", bytes.NewBufferString(
		`{"sender":"doctor-1","senderType":"doctor","receiver":"patient-1","receiverType":"patient","message":"hi"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostMessageStoreFailure(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, nil, nil), patientID)

	convRepo.On("GetConversation", mock.Anything, "5").Return(conversation(), nil).Once()
	messageRepo.On("CreateMessage", mock.Anything, "5", mock.Anything).Return(nil, false, assert.AnError).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/5/messages", bytes.NewBufferString(
		`{"sender":"patient-1","senderType":"patient","receiver":"doctor-1","receiverType":"doctor","message":"hi"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	messageRepo.AssertExpectations(t)
}

func TestPostMessageInvalidID(t *testing.T) {
	router := setupChatRouter(newHandler(new(mocks.ConversationRepositoryMock), new(mocks.MessageRepositoryMock), nil, nil), patientID)

	req := httptest.NewRequest(http.MethodPost, "/conversations/bad/messages", bytes.NewBufferString(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkSeenSuccess(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, nil, nil), doctorID)

	unseen := models.Message{ID: "7", ConversationID: "5", Sender: patientID, Receiver: doctorID}
	seen := unseen
	seen.Seen = true

	convRepo.On("GetConversation", mock.Anything, "5").Return(conversation(), nil).Once()
	messageRepo.On("GetMessage", mock.Anything, "7").Return(unseen, nil).Once()
	messageRepo.On("MarkSeen", mock.Anything, "5", "7").Return(seen, nil).Once()

	req := httptest.NewRequest(http.MethodPatch, "/conversations/5/messages/7/seen", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"seen":true`)
	messageRepo.AssertExpectations(t)
}

func TestMarkSeenAlreadySeenSkipsUpdate(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, nil, nil), doctorID)

	convRepo.On("GetConversation", mock.Anything, "5").Return(conversation(), nil).Once()
	messageRepo.On("GetMessage", mock.Anything, "7").Return(models.Message{ID: "7", ConversationID: "5", Sender: patientID, Receiver: doctorID, Seen: true}, nil).Once()

	req := httptest.NewRequest(http.MethodPatch, "/conversations/5/messages/7/seen", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	messageRepo.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkSeenBySenderForbidden(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, nil, nil), patientID)

	convRepo.On("GetConversation", mock.Anything, "5").Return(conversation(), nil).Once()
	messageRepo.On("GetMessage", mock.Anything, "7").Return(models.Message{ID: "7", ConversationID: "5", Sender: patientID, Receiver: doctorID}, nil).Once()

	req := httptest.NewRequest(http.MethodPatch, "/conversations/5/messages/7/seen", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMarkSeenUnknownMessage(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupChatRouter(newHandler(convRepo, messageRepo, nil, nil), doctorID)

	convRepo.On("GetConversation", mock.Anything, "5").Return(conversation(), nil).Once()
	messageRepo.On("GetMessage", mock.Anything, "8").Return(nil, repositories.ErrMessageNotFound).Once()

	req := httptest.NewRequest(http.MethodPatch, "/conversations/5/messages/8/seen", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzReportsDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", Healthz(nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}
