package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthsync-chat/internal/models"
)

type testServer struct {
	url     string
	accepts atomic.Int32
	conns   chan *websocket.Conn
}

// startServer runs a socket server that hands every accepted connection to the test.
func startServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepts.Add(1)
		ts.conns <- conn
	}))
	t.Cleanup(srv.Close)
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

func (ts *testServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func newAdapter(t *testing.T, url string, policy ReconnectPolicy) *Adapter {
	t.Helper()
	a := New(Config{URL: url, HandshakeTimeout: 2 * time.Second, Reconnect: policy}, zap.NewNop())
	t.Cleanup(a.Close)
	return a
}

func TestSendBeforeConnectReturnsFalse(t *testing.T) {
	a := newAdapter(t, "ws://127.0.0.1:1/ws", ReconnectPolicy{})

	assert.NotPanics(t, func() {
		assert.False(t, a.Send(models.EventRegister, models.RegisterPayload{UserID: "patient-1"}))
	})
	assert.Equal(t, StateDisconnected, a.State())
}

func TestConnectIsIdempotent(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{})
	rec := &recorder{}
	a.On(KindOpen, rec.handle)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	ts.next(t)

	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, int32(1), ts.accepts.Load())
	assert.Equal(t, 1, rec.count(KindOpen))
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	a := newAdapter(t, "ws://127.0.0.1:1/ws", ReconnectPolicy{})
	rec := &recorder{}
	a.On(KindError, rec.handle)

	err := a.Connect(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, 1, rec.count(KindError))
}

func TestSendWritesEventNameAndPayload(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{})
	require.NoError(t, a.Connect(context.Background()))
	server := ts.next(t)

	require.True(t, a.Send(models.EventRegister, models.RegisterPayload{UserID: "patient-1"}))

	require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame models.ClientFrame
	require.NoError(t, server.ReadJSON(&frame))
	assert.Equal(t, models.EventRegister, frame.EventName)
	var payload models.RegisterPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "patient-1", payload.UserID)
}

func TestInboundDispatchOrderAndMalformedFramesDropped(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{})

	var mu sync.Mutex
	var seen []string
	Subscribe(a, func(ev NewMessageEvent) {
		mu.Lock()
		seen = append(seen, "first:"+ev.Message.Body)
		mu.Unlock()
	})
	Subscribe(a, func(ev NewMessageEvent) {
		mu.Lock()
		seen = append(seen, "second:"+ev.Message.Body)
		mu.Unlock()
	})
	Subscribe(a, func(ev MessageSentEvent) {
		mu.Lock()
		seen = append(seen, "sent:"+ev.Message.Body)
		mu.Unlock()
	})

	require.NoError(t, a.Connect(context.Background()))
	server := ts.next(t)

	frames := []string{
		`{"type":"newMessage","chatId":"5","message":{"_id":"1","sender":"a","receiver":"b","message":"one"}}`,
		`garbage`,
		`{"type":"typing"}`,
		`{"chatId":"5"}`,
		`{"type":"messageSent","chatId":"5","message":{"_id":"2","sender":"b","receiver":"a","message":"two"}}`,
		`{"type":"newMessage","chatId":"5","message":{"_id":"3","sender":"a","receiver":"b","message":"three"}}`,
	}
	for _, f := range frames {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:one", "second:one", "sent:two", "first:three", "second:three"}, seen)
}

func TestOffRemovesHandler(t *testing.T) {
	a := newAdapter(t, "ws://127.0.0.1:1/ws", ReconnectPolicy{})
	rec := &recorder{}
	other := &recorder{}
	sub := a.On(KindError, rec.handle)
	a.On(KindError, other.handle)

	a.Off(sub)
	a.dispatch(ErrorEvent{Message: "x"})

	assert.Equal(t, 0, rec.count(KindError))
	assert.Equal(t, 1, other.count(KindError))
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	a := newAdapter(t, "ws://127.0.0.1:1/ws", ReconnectPolicy{})
	rec := &recorder{}
	a.On(KindError, func(Event) { panic("boom") })
	a.On(KindError, rec.handle)

	assert.NotPanics(t, func() { a.dispatch(ErrorEvent{Message: "x"}) })
	assert.Equal(t, 1, rec.count(KindError))
}

func TestServerDropLeavesDisconnected(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{})
	rec := &recorder{}
	a.On(KindError, rec.handle)
	a.On(KindClose, rec.handle)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, ts.next(t).Close())

	assert.Eventually(t, func() bool { return rec.count(KindClose) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, []EventKind{KindError, KindClose}, rec.kinds())
	assert.False(t, a.Send(models.EventRegister, models.RegisterPayload{UserID: "x"}))
}

func TestDisconnectEmitsCloseOnceAndIsSafeToRepeat(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{})
	rec := &recorder{}
	a.On(KindClose, rec.handle)

	a.Disconnect()
	assert.Equal(t, 0, rec.count(KindClose))

	require.NoError(t, a.Connect(context.Background()))
	ts.next(t)
	a.Disconnect()
	a.Disconnect()

	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, 1, rec.count(KindClose))
}

func TestMarkRegisteredRequiresConnection(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{})

	assert.False(t, a.MarkRegistered())

	require.NoError(t, a.Connect(context.Background()))
	ts.next(t)
	assert.True(t, a.MarkRegistered())
	assert.Equal(t, StateRegistered, a.State())
	assert.True(t, a.Send(models.EventSendMessage, models.SendMessagePayload{Text: "x"}))
}

func TestReconnectsAfterUnexpectedDrop(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{MaxRetries: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond})
	rec := &recorder{}
	a.On(KindOpen, rec.handle)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, ts.next(t).Close())
	ts.next(t)

	assert.Eventually(t, func() bool { return rec.count(KindOpen) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)
}

func TestReconnectsAgainWhenReconnectedSocketDropsAtOnce(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{MaxRetries: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond})
	rec := &recorder{}
	a.On(KindOpen, rec.handle)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, ts.next(t).Close())
	require.NoError(t, ts.next(t).Close())
	ts.next(t)

	assert.Eventually(t, func() bool { return rec.count(KindOpen) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)
}

func TestNoReconnectAfterManualDisconnect(t *testing.T) {
	ts := startServer(t)
	a := newAdapter(t, ts.url, ReconnectPolicy{MaxRetries: 3, InitialInterval: 10 * time.Millisecond})

	require.NoError(t, a.Connect(context.Background()))
	ts.next(t)
	a.Disconnect()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.accepts.Load())
	assert.Equal(t, StateDisconnected, a.State())
}

func TestConnectAfterCloseFails(t *testing.T) {
	a := New(Config{URL: "ws://127.0.0.1:1/ws"}, zap.NewNop())
	a.Close()

	assert.ErrorIs(t, a.Connect(context.Background()), ErrClosed)
}
