package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"healthsync-chat/internal/models"
	"healthsync-chat/internal/transport"
)

type subscription struct {
	id uint64
	fn func(Update)
}

// Synchronizer keeps one merged, ordered view per conversation from history
// fetches, live pushes and local sends. All conversations of the process
// share it, and pushes are routed by participant ids.
type Synchronizer struct {
	store  Store
	pub    Publisher
	id     Identity
	cfg    Config
	logger *zap.Logger

	now    func() time.Time
	newKey func() string

	mu            sync.Mutex
	convs         map[string]*conversation
	byChat        map[string]*conversation
	byKey         map[string]*conversation
	seenAttempted map[string]struct{}

	// notifyMu keeps snapshots delivered in the order they were taken.
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     []subscription
	nextSub  uint64

	asyncMu sync.Mutex
	closed  bool
	life    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(store Store, pub Publisher, id Identity, cfg Config, logger *zap.Logger) *Synchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SelfType == "" {
		cfg.SelfType = models.ParticipantPatient
	}
	life, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		store:         store,
		pub:           pub,
		id:            id,
		cfg:           cfg,
		logger:        logger.Named("chatsync"),
		now:           time.Now,
		newKey:        uuid.NewString,
		convs:         make(map[string]*conversation),
		byChat:        make(map[string]*conversation),
		byKey:         make(map[string]*conversation),
		seenAttempted: make(map[string]struct{}),
		life:          life,
		cancel:        cancel,
	}
}

// Attach feeds newMessage and messageSent pushes from sub into the
// synchronizer. The returned func detaches it.
func (s *Synchronizer) Attach(sub transport.Subscriber) func() {
	subs := []transport.Subscription{
		transport.Subscribe(sub, func(ev transport.NewMessageEvent) { s.ApplyIncoming(ev) }),
		transport.Subscribe(sub, func(ev transport.MessageSentEvent) { s.ApplyIncoming(ev) }),
	}
	return func() {
		for _, x := range subs {
			sub.Off(x)
		}
	}
}

// Subscribe registers fn for every Update. fn runs on the goroutine that made
// the change and must not call back into methods that modify the view.
func (s *Synchronizer) Subscribe(fn func(Update)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Messages returns the ordered view of the conversation between a and b.
func (s *Synchronizer) Messages(a, b string) []ViewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[models.PairKey(a, b)]
	if !ok {
		return nil
	}
	return c.view()
}

// ConversationID returns the backend id of the conversation, or "" while unknown.
func (s *Synchronizer) ConversationID(a, b string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[models.PairKey(a, b)]; ok {
		return c.chatID
	}
	return ""
}

// LoadHistory fetches the conversation and makes it the baseline of the view.
// Local pending and failed messages survive, as do pushes applied while the
// fetch was in flight. On error the view is left untouched.
func (s *Synchronizer) LoadHistory(ctx context.Context, a, b string) error {
	if a == "" || b == "" || a == b {
		return ErrInvalidParticipants
	}
	s.mu.Lock()
	c := s.conversationLocked(a, b)
	since := c.rev
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	hist, err := s.store.History(ctx, a, b, s.cfg.HistoryLimit)
	cancel()
	if err != nil {
		return fmt.Errorf("load history %s: %w", c.key, err)
	}

	user := s.id.UserID()
	s.mu.Lock()
	if hist.ID != "" {
		s.bindChatLocked(c, hist.ID)
	}
	for i := range hist.Messages {
		if hist.Messages[i].ConversationID == "" {
			hist.Messages[i].ConversationID = hist.ID
		}
	}
	for _, e := range c.supersede(hist.Messages, since, s.now()) {
		delete(s.byKey, e.key)
	}
	marks := s.seenCandidatesLocked(c, user)
	s.mu.Unlock()

	s.logger.Debug("history loaded", zap.String("conversation", c.key), zap.Int("messages", len(hist.Messages)))
	s.notify(c)
	s.autoMark(c, marks)
	return nil
}

// Resync reloads every known conversation in the background, e.g. after the
// transport re-registers.
func (s *Synchronizer) Resync() {
	s.mu.Lock()
	pairs := make([][2]string, 0, len(s.convs))
	for _, c := range s.convs {
		pairs = append(pairs, [2]string{c.a, c.b})
	}
	s.mu.Unlock()

	for _, p := range pairs {
		a, b := p[0], p[1]
		s.goAsync(func(ctx context.Context) {
			if err := s.LoadHistory(ctx, a, b); err != nil {
				s.logger.Warn("resync failed", zap.String("conversation", models.PairKey(a, b)), zap.Error(err))
			}
		})
	}
}

// ApplyIncoming merges a newMessage or messageSent push. Other events are
// ignored. Pushes missing a server id or timestamp are merged and then
// reconciled by a background history refresh.
func (s *Synchronizer) ApplyIncoming(ev transport.Event) {
	switch e := ev.(type) {
	case transport.NewMessageEvent:
		s.applyMessage(e.ChatID, e.Message)
	case transport.MessageSentEvent:
		s.applyMessage(e.ChatID, e.Message)
	}
}

func (s *Synchronizer) applyMessage(chatID string, msg models.Message) {
	if msg.Sender == "" || msg.Receiver == "" || msg.Sender == msg.Receiver {
		return
	}
	user := s.id.UserID()
	if user != "" && msg.Sender != user && msg.Receiver != user {
		s.logger.Debug("push for another user dropped", zap.String("sender", msg.Sender), zap.String("receiver", msg.Receiver))
		return
	}
	if msg.ConversationID == "" {
		msg.ConversationID = chatID
	}
	partial := msg.ID == "" || msg.CreatedAt.IsZero()

	s.mu.Lock()
	c := s.conversationLocked(msg.Sender, msg.Receiver)
	if msg.ConversationID != "" {
		s.bindChatLocked(c, msg.ConversationID)
	}
	if e, _ := c.merge(msg, s.now()); e == nil {
		s.mu.Unlock()
		s.logger.Warn("push contradicts stored message, dropped",
			zap.String("message_id", msg.ID), zap.String("sender", msg.Sender), zap.String("receiver", msg.Receiver))
		return
	}
	refresh := partial && !c.refreshing
	if refresh {
		c.refreshing = true
	}
	marks := s.seenCandidatesLocked(c, user)
	s.mu.Unlock()

	s.notify(c)
	s.autoMark(c, marks)
	if refresh {
		s.goAsync(func(ctx context.Context) {
			defer func() {
				s.mu.Lock()
				c.refreshing = false
				s.mu.Unlock()
			}()
			if err := s.LoadHistory(ctx, c.a, c.b); err != nil {
				s.logger.Warn("refresh after partial push failed", zap.String("conversation", c.key), zap.Error(err))
			}
		})
	}
}

// SendMessage shows body as pending right away, persists it and confirms it,
// then pushes it to the receiver. It returns the provisional key. When the
// store call fails the message stays in the view as failed and the error is
// returned; Retry resends it.
func (s *Synchronizer) SendMessage(ctx context.Context, receiverID, body string) (string, error) {
	user := s.id.UserID()
	if user == "" {
		return "", ErrNoIdentity
	}
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyBody
	}
	if receiverID == "" || receiverID == user {
		return "", ErrInvalidReceiver
	}

	key := s.newKey()
	s.mu.Lock()
	c := s.conversationLocked(user, receiverID)
	c.add(key, models.Message{
		ConversationID: c.chatID,
		Sender:         user,
		SenderType:     s.cfg.SelfType,
		Receiver:       receiverID,
		ReceiverType:   models.CounterpartType(s.cfg.SelfType),
		Body:           body,
		ClientKey:      key,
		CreatedAt:      s.now(),
	}, StatusPending)
	s.byKey[key] = c
	s.mu.Unlock()
	s.notify(c)

	return key, s.persist(ctx, c, key)
}

// Retry resends a failed message under the same key and correlation id.
func (s *Synchronizer) Retry(ctx context.Context, key string) error {
	s.mu.Lock()
	c := s.byKey[key]
	if c == nil || c.entries[key] == nil {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	e := c.entries[key]
	if e.status != StatusFailed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	e.status = StatusPending
	e.err = nil
	c.touch(e)
	s.mu.Unlock()
	s.notify(c)

	return s.persist(ctx, c, key)
}

// RetryFailed retries every failed message, oldest first.
func (s *Synchronizer) RetryFailed(ctx context.Context) error {
	s.mu.Lock()
	var failed []*entry
	for _, c := range s.convs {
		for _, e := range c.entries {
			if e.status == StatusFailed {
				failed = append(failed, e)
			}
		}
	}
	sort.Slice(failed, func(i, j int) bool { return less(failed[i], failed[j]) })
	keys := make([]string, len(failed))
	for i, e := range failed {
		keys[i] = e.key
	}
	s.mu.Unlock()

	var errs error
	for _, key := range keys {
		if err := s.Retry(ctx, key); err != nil && !errors.Is(err, ErrNotFailed) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Wait blocks until background refreshes and receipt updates finish.
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}

// Close cancels background work and waits for it.
func (s *Synchronizer) Close() {
	s.asyncMu.Lock()
	s.closed = true
	s.asyncMu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Synchronizer) persist(ctx context.Context, c *conversation, key string) error {
	s.mu.Lock()
	e := c.entries[key]
	if e == nil {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	req := models.CreateMessageRequest{
		Sender:       e.msg.Sender,
		SenderType:   e.msg.SenderType,
		Receiver:     e.msg.Receiver,
		ReceiverType: e.msg.ReceiverType,
		Message:      e.msg.Body,
		ClientKey:    key,
	}
	s.mu.Unlock()

	chatID, err := s.ensureChat(ctx, c, req.Sender, req.Receiver)
	if err != nil {
		return s.fail(c, key, err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	msg, err := s.store.CreateMessage(cctx, chatID, req)
	cancel()
	if err != nil {
		return s.fail(c, key, err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = chatID
	}
	if msg.ClientKey == "" {
		msg.ClientKey = key
	}

	s.mu.Lock()
	s.bindChatLocked(c, chatID)
	if e := c.entries[key]; e != nil {
		c.confirm(e, msg, s.now())
	}
	s.mu.Unlock()
	s.notify(c)

	s.logger.Debug("message confirmed", zap.String("key", key), zap.String("message_id", msg.ID))
	if !s.pub.Send(models.EventSendMessage, models.SendMessagePayload{
		ChatID:    chatID,
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Text:      msg.Body,
		ClientKey: key,
		Timestamp: msg.CreatedAt,
	}) {
		s.logger.Debug("sendMessage push skipped, transport not registered", zap.String("message_id", msg.ID))
	}
	return nil
}

// fail marks key failed unless a push confirmed it in the meantime.
func (s *Synchronizer) fail(c *conversation, key string, cause error) error {
	s.mu.Lock()
	e := c.entries[key]
	if e != nil && e.status == StatusConfirmed {
		s.mu.Unlock()
		return nil
	}
	if e != nil {
		e.status = StatusFailed
		e.err = cause
		c.touch(e)
	}
	s.mu.Unlock()
	s.notify(c)

	s.logger.Warn("send failed", zap.String("key", key), zap.Error(cause))
	return fmt.Errorf("send message: %w", cause)
}

func (s *Synchronizer) ensureChat(ctx context.Context, c *conversation, user, peer string) (string, error) {
	s.mu.Lock()
	chatID := c.chatID
	s.mu.Unlock()
	if chatID != "" {
		return chatID, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	chatID, err := s.store.EnsureConversation(ctx, user, peer)
	if err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}
	s.mu.Lock()
	s.bindChatLocked(c, chatID)
	s.mu.Unlock()
	return chatID, nil
}

func (s *Synchronizer) conversationLocked(a, b string) *conversation {
	key := models.PairKey(a, b)
	c, ok := s.convs[key]
	if !ok {
		c = newConversation(a, b)
		s.convs[key] = c
	}
	return c
}

func (s *Synchronizer) bindChatLocked(c *conversation, chatID string) {
	if chatID == "" || c.chatID == chatID {
		return
	}
	c.chatID = chatID
	s.byChat[chatID] = c
	for _, e := range c.entries {
		if e.msg.ConversationID == "" {
			e.msg.ConversationID = chatID
		}
	}
}

func (s *Synchronizer) notify(c *conversation) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	u := Update{Conversation: c.key, ChatID: c.chatID, Messages: c.view()}
	s.mu.Unlock()

	s.subsMu.Lock()
	subs := append([]subscription(nil), s.subs...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.fn(u)
	}
}

func (s *Synchronizer) goAsync(fn func(ctx context.Context)) {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.life)
	}()
}
