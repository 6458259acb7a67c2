package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"healthsync-chat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("transport closed")
	// ErrDisconnected is returned when Disconnect interrupts a pending Connect.
	ErrDisconnected = errors.New("transport disconnected")
)

// ReconnectPolicy bounds automatic reconnection after an unexpected drop.
// MaxRetries of zero disables reconnection.
type ReconnectPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config configures an Adapter.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Reconnect        ReconnectPolicy
}

// Handler receives dispatched events.
type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	kind EventKind
	id   uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Adapter owns the single chat socket of a client process. Every component
// that needs real-time delivery shares one Adapter.
type Adapter struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connDone     chan struct{}
	gen          uint64
	manual       bool
	reconnecting bool

	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[EventKind][]subscriber
	nextID uint64

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Adapter in the disconnected state. Call Close at shutdown.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	life, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.Named("transport"),
		subs:   make(map[EventKind][]subscriber),
		life:   life,
		cancel: cancel,
	}
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect opens the socket. It is a no-op while connecting or connected.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.connect(ctx, false)
}

func (a *Adapter) connect(ctx context.Context, reconnect bool) error {
	a.mu.Lock()
	if a.life.Err() != nil {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.state != StateDisconnected {
		if reconnect && a.state == StateConnected {
			a.reconnecting = false
		}
		a.mu.Unlock()
		return nil
	}
	if reconnect && a.manual {
		a.mu.Unlock()
		return ErrDisconnected
	}
	a.state = StateConnecting
	a.manual = false
	gen := a.gen
	a.mu.Unlock()

	conn, _, err := a.dialer.DialContext(ctx, a.cfg.URL, a.cfg.Header)

	a.mu.Lock()
	if a.gen != gen || a.state != StateConnecting {
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		a.state = StateDisconnected
		a.mu.Unlock()
		a.dispatch(ErrorEvent{Message: err.Error()})
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}
	a.gen++
	gen = a.gen
	done := make(chan struct{})
	a.conn = conn
	a.connDone = done
	a.state = StateConnected
	if reconnect {
		// Cleared before open is dispatched so a drop right after it is retried.
		a.reconnecting = false
	}
	a.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	a.logger.Info("connected", zap.String("url", a.cfg.URL))
	a.dispatch(OpenEvent{})

	a.wg.Add(2)
	go a.readLoop(conn, gen)
	go a.pingLoop(conn, done)
	return nil
}

// Disconnect closes the socket and emits close. Safe from any state; it also
// stops automatic reconnection until the next Connect.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.manual = true
	prev := a.state
	conn := a.conn
	a.conn = nil
	a.state = StateDisconnected
	a.gen++
	a.closeConnDoneLocked()
	a.mu.Unlock()

	if conn != nil {
		a.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		_ = conn.Close()
	}
	if prev != StateDisconnected {
		a.dispatch(CloseEvent{Reason: "client disconnect"})
	}
}

// Close tears the adapter down for good and waits for its goroutines.
// It must not be called from inside a Handler.
func (a *Adapter) Close() {
	a.cancel()
	a.Disconnect()
	a.wg.Wait()
}

// MarkRegistered moves a connected adapter to registered.
func (a *Adapter) MarkRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateConnected:
		a.state = StateRegistered
		return true
	case StateRegistered:
		return true
	}
	return false
}

// Send writes {"eventName":..,"payload":..}. It returns false without
// touching the network unless the adapter is connected or registered, and
// false when the write fails locally. True does not mean delivered.
func (a *Adapter) Send(eventName string, payload any) bool {
	a.mu.Lock()
	conn, state := a.conn, a.state
	a.mu.Unlock()
	if conn == nil || (state != StateConnected && state != StateRegistered) {
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Warn("marshal payload", zap.String("event", eventName), zap.Error(err))
		return false
	}
	frame, err := json.Marshal(models.ClientFrame{EventName: eventName, Payload: body})
	if err != nil {
		return false
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		a.logger.Debug("write failed", zap.String("event", eventName), zap.Error(err))
		return false
	}
	return true
}

// On registers h for events of kind. Handlers run in registration order on
// the goroutine that produced the event.
func (a *Adapter) On(kind EventKind, h Handler) Subscription {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.nextID++
	a.subs[kind] = append(a.subs[kind], subscriber{id: a.nextID, handler: h})
	return Subscription{kind: kind, id: a.nextID}
}

// Off removes a handler. Unknown subscriptions are ignored.
func (a *Adapter) Off(sub Subscription) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	list := a.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			a.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (a *Adapter) dispatch(ev Event) {
	a.subsMu.RLock()
	list := append([]subscriber(nil), a.subs[ev.Kind()]...)
	a.subsMu.RUnlock()

	for _, s := range list {
		a.invoke(s.handler, ev)
	}
}

func (a *Adapter) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("event handler panicked", zap.Stringer("kind", ev.Kind()), zap.Any("panic", r))
		}
	}()
	h(ev)
}

func (a *Adapter) readLoop(conn *websocket.Conn, gen uint64) {
	defer a.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.handleDrop(conn, gen, err)
			return
		}
		ev, ok := decodeFrame(raw)
		if !ok {
			a.logger.Debug("dropping inbound frame", zap.Int("bytes", len(raw)))
			continue
		}
		a.dispatch(ev)
	}
}

func (a *Adapter) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer a.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) handleDrop(conn *websocket.Conn, gen uint64, err error) {
	a.mu.Lock()
	if a.gen != gen {
		// Disconnect already tore this socket down.
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.state = StateDisconnected
	a.gen++
	a.closeConnDoneLocked()
	retry := !a.manual && !a.reconnecting && a.cfg.Reconnect.MaxRetries > 0 && a.life.Err() == nil
	if retry {
		a.reconnecting = true
	}
	a.mu.Unlock()

	_ = conn.Close()
	a.logger.Warn("connection lost", zap.Error(err))
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.dispatch(ErrorEvent{Message: err.Error()})
	}
	a.dispatch(CloseEvent{Reason: err.Error()})

	if retry {
		a.wg.Add(1)
		go a.reconnectLoop()
	}
}

func (a *Adapter) closeConnDoneLocked() {
	if a.connDone != nil {
		close(a.connDone)
		a.connDone = nil
	}
}

func (a *Adapter) reconnectLoop() {
	defer a.wg.Done()

	eb := backoff.NewExponentialBackOff()
	if a.cfg.Reconnect.InitialInterval > 0 {
		eb.InitialInterval = a.cfg.Reconnect.InitialInterval
	}
	if a.cfg.Reconnect.MaxInterval > 0 {
		eb.MaxInterval = a.cfg.Reconnect.MaxInterval
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, a.cfg.Reconnect.MaxRetries), a.life)

	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(a.life, a.cfg.HandshakeTimeout)
		defer cancel()
		err := a.connect(ctx, true)
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrDisconnected) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Info("reconnect attempt failed", zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		a.mu.Lock()
		a.reconnecting = false
		a.mu.Unlock()
		a.logger.Warn("reconnect gave up", zap.Int("attempts", attempt), zap.Error(err))
	}
}

// Subscriber is the subscription half of an Adapter.
type Subscriber interface {
	On(kind EventKind, h Handler) Subscription
	Off(sub Subscription)
}

// Subscribe registers a handler typed by its event, e.g.
// Subscribe(a, func(ev NewMessageEvent) {...}).
func Subscribe[E Event](s Subscriber, h func(E)) Subscription {
	var zero E
	return s.On(zero.Kind(), func(ev Event) {
		if typed, ok := ev.(E); ok {
			h(typed)
		}
	})
}
