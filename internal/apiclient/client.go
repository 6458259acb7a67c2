package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"healthsync-chat/internal/models"
)

const maxResponseSize = 4 << 20

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("chat api unavailable")

// APIError is a non-2xx answer from the chat API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Identity supplies the caller id sent as X-User-ID.
type Identity interface {
	UserID() string
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// FailureThreshold is the number of consecutive server failures that
	// opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

type response struct {
	status int
	body   []byte
}

// Client talks to the chat REST API.
type Client struct {
	baseURL string
	httpc   *http.Client
	id      Identity
	cb      *gobreaker.CircuitBreaker[response]
	logger  *zap.Logger
}

func New(cfg Config, id Identity, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	logger = logger.Named("apiclient")

	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "chat-api",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !serverFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: cfg.Timeout},
		id:      id,
		cb:      cb,
		logger:  logger,
	}
}

// serverFault reports errors that say the backend is unhealthy. Client errors
// and caller cancellation do not count against the breaker.
func serverFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// EnsureConversation creates or returns the conversation between userID and peerID.
func (c *Client) EnsureConversation(ctx context.Context, userID, peerID string) (string, error) {
	var out struct {
		ID string `json:"_id"`
	}
	body := map[string][]string{"participants": {userID, peerID}}
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("create conversation: empty id in response")
	}
	return out.ID, nil
}

// History returns the conversation between the two users with its messages.
// A conversation that does not exist yet is returned empty.
func (c *Client) History(ctx context.Context, userID, peerID string, limit int) (models.Conversation, error) {
	path := "/conversations/between/" + url.PathEscape(userID) + "/" + url.PathEscape(peerID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var conv models.Conversation
	err := c.do(ctx, http.MethodGet, path, nil, &conv)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return models.Conversation{}, nil
	}
	return conv, err
}

func (c *Client) CreateMessage(ctx context.Context, chatID string, req models.CreateMessageRequest) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(chatID)+"/messages", req, &msg)
	return msg, err
}

func (c *Client) MarkSeen(ctx context.Context, chatID, messageID string) (models.Message, error) {
	var msg models.Message
	path := "/conversations/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID) + "/seen"
	err := c.do(ctx, http.MethodPatch, path, nil, &msg)
	return msg, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	resp, err := c.cb.Execute(func() (response, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnavailable)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if out == nil || len(resp.body) == 0 {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &envelope); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("decode %s %s: missing data", method, path)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.id != nil {
		req.Header.Set("X-User-ID", c.id.UserID())
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	res, err := c.httpc.Do(req)
	if err != nil {
		return response{}, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", res.StatusCode),
		zap.String("request_id", requestID),
		zap.Duration("duration", time.Since(start)),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			apiErr.Message = msg.Error
		}
		return response{status: res.StatusCode, body: raw}, apiErr
	}
	return response{status: res.StatusCode, body: raw}, nil
}
