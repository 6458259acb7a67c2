// Command chatclient is a terminal chat client for one conversation. It keeps
// a live view of the conversation with CHAT_PEER_ID and sends every line read
// from stdin. Commands: /retry, /history, /reconnect, /quit.
package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"healthsync-chat/internal/apiclient"
	"healthsync-chat/internal/chatsync"
	"healthsync-chat/internal/config"
	"healthsync-chat/internal/logger"
	"healthsync-chat/internal/models"
	"healthsync-chat/internal/session"
	"healthsync-chat/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cc := cfg.Client
	if cc.UserID == "" || cc.PeerID == "" {
		log.Fatal("CHAT_USER_ID and CHAT_PEER_ID are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := transport.New(transport.Config{
		URL:              cc.WSURL,
		Header:           http.Header{"X-User-ID": []string{cc.UserID}},
		HandshakeTimeout: cc.RequestTimeout,
		Reconnect: transport.ReconnectPolicy{
			MaxRetries:      cc.ReconnectRetries,
			InitialInterval: cc.ReconnectInitial,
			MaxInterval:     cc.ReconnectMax,
		},
	}, log)
	binder := session.NewBinder(adapter, log)
	api := apiclient.New(apiclient.Config{BaseURL: cc.APIBaseURL, Timeout: cc.RequestTimeout}, binder, log)
	syncer := chatsync.New(api, adapter, binder, chatsync.Config{
		SelfType:     cc.UserType,
		Timeout:      cc.RequestTimeout,
		HistoryLimit: cc.HistoryLimit,
	}, log)
	detach := syncer.Attach(adapter)

	out := newRenderer(os.Stdout, cc.UserID)
	pair := models.PairKey(cc.UserID, cc.PeerID)
	syncer.Subscribe(func(u chatsync.Update) {
		if u.Conversation == pair {
			out.render(u)
		}
	})
	transport.Subscribe(adapter, func(ev transport.CloseEvent) {
		out.status("disconnected (" + ev.Reason + "), messages are sent over REST only")
	})
	binder.OnRegistered(func(userID string) {
		out.status("live as " + userID)
		syncer.Resync()
	})

	if err := binder.SetIdentity(cc.UserID); err != nil {
		log.Fatal("invalid identity", zap.Error(err))
	}
	if err := adapter.Connect(ctx); err != nil {
		out.status("offline: " + err.Error())
	}
	if err := syncer.LoadHistory(ctx, cc.UserID, cc.PeerID); err != nil {
		out.status("history unavailable: " + err.Error())
	}

	c := &console{syncer: syncer, adapter: adapter, out: out, log: log, self: cc.UserID, peer: cc.PeerID}
	c.run(ctx, os.Stdin)

	c.wait()
	detach()
	binder.Close()
	syncer.Close()
	adapter.Close()
}

// console turns stdin lines into synchronizer calls. Network calls run in
// the background so typing never blocks on them.
type console struct {
	syncer  *chatsync.Synchronizer
	adapter *transport.Adapter
	out     *renderer
	log     *zap.Logger
	self    string
	peer    string

	inflight sync.WaitGroup
}

func (c *console) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !c.handle(ctx, line) {
				return
			}
		}
	}
}

// handle runs one input line and reports whether to keep reading.
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return true
	case "/quit":
		return false
	case "/retry":
		c.background(func() {
			if err := c.syncer.RetryFailed(ctx); err != nil {
				c.out.status("retry failed: " + err.Error())
			}
		})
	case "/history":
		c.background(func() {
			if err := c.syncer.LoadHistory(ctx, c.self, c.peer); err != nil {
				c.out.status("history unavailable: " + err.Error())
			}
		})
	case "/reconnect":
		c.background(func() {
			if err := c.adapter.Connect(ctx); err != nil {
				c.out.status("offline: " + err.Error())
			}
		})
	default:
		c.background(func() {
			if _, err := c.syncer.SendMessage(ctx, c.peer, line); err != nil {
				c.log.Debug("send failed", zap.Error(err))
			}
		})
	}
	return true
}

func (c *console) background(fn func()) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		fn()
	}()
}

func (c *console) wait() {
	c.inflight.Wait()
}
