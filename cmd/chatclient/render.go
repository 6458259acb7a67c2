package main

import (
	"fmt"
	"io"
	"sync"

	"healthsync-chat/internal/chatsync"
)

// renderer prints a conversation to a terminal, one line per message, and
// reprints a message only when its rendered line changes.
type renderer struct {
	out  io.Writer
	self string

	mu    sync.Mutex
	shown map[string]string
}

func newRenderer(out io.Writer, self string) *renderer {
	return &renderer{out: out, self: self, shown: make(map[string]string)}
}

func (r *renderer) render(u chatsync.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, vm := range u.Messages {
		line := formatMessage(vm, r.self)
		if r.shown[vm.Key] == line {
			continue
		}
		r.shown[vm.Key] = line
		fmt.Fprintln(r.out, line)
	}
}

func (r *renderer) status(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "-- %s\n", text)
}

func formatMessage(vm chatsync.ViewMessage, self string) string {
	who := vm.Sender
	if who == self {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", vm.Timestamp.Format("15:04"), who, vm.Body)
	if state := messageState(vm, self); state != "" {
		line += "  (" + state + ")"
	}
	return line
}

func messageState(vm chatsync.ViewMessage, self string) string {
	switch vm.Status {
	case chatsync.StatusPending:
		return "sending"
	case chatsync.StatusFailed:
		if vm.Error != "" {
			return "failed: " + vm.Error + ", /retry to resend"
		}
		return "failed, /retry to resend"
	}
	if vm.Sender != self {
		return ""
	}
	if vm.Seen {
		return "seen"
	}
	return "sent"
}
