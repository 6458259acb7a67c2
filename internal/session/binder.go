package session

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"healthsync-chat/internal/models"
	"healthsync-chat/internal/transport"
)

// ErrEmptyIdentity is returned by SetIdentity for a blank user id.
var ErrEmptyIdentity = errors.New("empty user id")

// Transport is the part of transport.Adapter the binder drives.
type Transport interface {
	transport.Subscriber
	State() transport.State
	Send(eventName string, payload any) bool
	MarkRegistered() bool
}

// Binder announces the signed-in user on the shared socket. It registers as
// soon as both the identity and a connection exist, and again after every
// reconnect.
type Binder struct {
	t      Transport
	logger *zap.Logger

	mu        sync.Mutex
	userID    string
	callbacks []func(userID string)
	subs      []transport.Subscription
}

func NewBinder(t Transport, logger *zap.Logger) *Binder {
	b := &Binder{t: t, logger: logger.Named("session")}
	b.subs = []transport.Subscription{
		t.On(transport.KindOpen, func(transport.Event) { b.register() }),
		transport.Subscribe(t, func(ev transport.RegisteredEvent) {
			b.logger.Debug("registration acknowledged", zap.String("user_id", ev.UserID))
		}),
	}
	return b
}

// UserID returns the bound identity, or "" before sign-in.
func (b *Binder) UserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID
}

// SetIdentity records the signed-in user and registers right away when the
// transport is already connected. Repeating the current identity on a
// registered transport sends nothing.
func (b *Binder) SetIdentity(userID string) error {
	if userID == "" {
		return ErrEmptyIdentity
	}
	b.mu.Lock()
	same := b.userID == userID
	b.userID = userID
	b.mu.Unlock()

	if same && b.t.State() == transport.StateRegistered {
		return nil
	}
	b.register()
	return nil
}

// ClearIdentity forgets the user. Later connections stay unregistered until
// SetIdentity is called again.
func (b *Binder) ClearIdentity() {
	b.mu.Lock()
	b.userID = ""
	b.mu.Unlock()
}

// OnRegistered adds fn to the callbacks run after every successful register.
func (b *Binder) OnRegistered(fn func(userID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// Close detaches the binder from the transport.
func (b *Binder) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		b.t.Off(sub)
	}
}

func (b *Binder) register() bool {
	b.mu.Lock()
	userID := b.userID
	callbacks := append([]func(string){}, b.callbacks...)
	b.mu.Unlock()

	if userID == "" {
		b.logger.Debug("registration deferred until identity is known")
		return false
	}
	state := b.t.State()
	if state != transport.StateConnected && state != transport.StateRegistered {
		b.logger.Debug("registration deferred until connected", zap.Stringer("state", state))
		return false
	}
	if !b.t.Send(models.EventRegister, models.RegisterPayload{UserID: userID}) {
		b.logger.Warn("register not sent", zap.String("user_id", userID))
		return false
	}
	if !b.t.MarkRegistered() {
		return false
	}
	b.logger.Info("registered", zap.String("user_id", userID))
	for _, fn := range callbacks {
		fn(userID)
	}
	return true
}
