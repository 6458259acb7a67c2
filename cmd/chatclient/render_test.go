package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"healthsync-chat/internal/chatsync"
)

var at = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name string
		vm   chatsync.ViewMessage
		want string
	}{
		{
			name: "pending own message",
			vm:   chatsync.ViewMessage{Sender: "p1", Body: "hi", Timestamp: at, Status: chatsync.StatusPending},
			want: "[09:30] you: hi  (sending)",
		},
		{
			name: "failed own message",
			vm:   chatsync.ViewMessage{Sender: "p1", Body: "hi", Timestamp: at, Status: chatsync.StatusFailed, Error: "unexpected status 500"},
			want: "[09:30] you: hi  (failed: unexpected status 500, /retry to resend)",
		},
		{
			name: "seen own message",
			vm:   chatsync.ViewMessage{Sender: "p1", Body: "hi", Timestamp: at, Status: chatsync.StatusConfirmed, Seen: true},
			want: "[09:30] you: hi  (seen)",
		},
		{
			name: "delivered own message",
			vm:   chatsync.ViewMessage{Sender: "p1", Body: "hi", Timestamp: at, Status: chatsync.StatusConfirmed},
			want: "[09:30] you: hi  (sent)",
		},
		{
			name: "incoming message",
			vm:   chatsync.ViewMessage{Sender: "d1", Body: "hello", Timestamp: at, Status: chatsync.StatusConfirmed},
			want: "[09:30] d1: hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatMessage(tt.vm, "p1"))
		})
	}
}

func TestRendererPrintsOnlyChanges(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, "p1")
	pending := chatsync.ViewMessage{Key: "k1", Sender: "p1", Body: "hi", Timestamp: at, Status: chatsync.StatusPending}

	r.render(chatsync.Update{Messages: []chatsync.ViewMessage{pending}})
	r.render(chatsync.Update{Messages: []chatsync.ViewMessage{pending}})
	confirmed := pending
	confirmed.Status = chatsync.StatusConfirmed
	r.render(chatsync.Update{Messages: []chatsync.ViewMessage{confirmed}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{"[09:30] you: hi  (sending)", "[09:30] you: hi  (sent)"}, lines)
}
