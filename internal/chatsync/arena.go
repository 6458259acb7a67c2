package chatsync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"healthsync-chat/internal/models"
)

// Status is the delivery state of a message in the local view.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// matchWindow is how far apart two timestamps may be for a message without
// ids to be treated as the same send.
const matchWindow = 30 * time.Second

type entry struct {
	key         string
	seq         uint64
	rev         uint64
	msg         models.Message
	status      Status
	err         error
	seenPending bool

	// claim is set while the server id came from a content match only.
	claim *claim
}

// claim remembers the push an entry absorbed by content and the state it had
// before, so the id can be handed back when the send's own confirmation
// names a different one.
type claim struct {
	push        models.Message
	prior       models.Message
	status      Status
	err         error
	seenPending bool
}

type matchKind int

const (
	matchNone matchKind = iota
	matchServer
	matchClient
	matchContent
)

// conversation is the arena of one participant pair. Entries are owned by
// key; byServer and byClient are secondary indexes into the same entries.
type conversation struct {
	key    string
	a, b   string
	chatID string

	entries  map[string]*entry
	byServer map[string]*entry
	byClient map[string]*entry

	seq        uint64
	rev        uint64
	refreshing bool
}

func newConversation(a, b string) *conversation {
	first, second := models.SortedPair(a, b)
	return &conversation{
		key:      models.PairKey(a, b),
		a:        first,
		b:        second,
		entries:  make(map[string]*entry),
		byServer: make(map[string]*entry),
		byClient: make(map[string]*entry),
	}
}

func clientIndex(sender, clientKey string) string {
	return sender + "\x00" + clientKey
}

func (c *conversation) touch(e *entry) {
	c.rev++
	e.rev = c.rev
}

func (c *conversation) add(key string, msg models.Message, status Status) *entry {
	c.seq++
	e := &entry{key: key, seq: c.seq, msg: msg, status: status}
	c.touch(e)
	c.entries[key] = e
	if msg.ID != "" {
		c.byServer[msg.ID] = e
	}
	if msg.ClientKey != "" {
		c.byClient[clientIndex(msg.Sender, msg.ClientKey)] = e
	}
	return e
}

func (c *conversation) remove(e *entry) {
	delete(c.entries, e.key)
	if e.msg.ID != "" && c.byServer[e.msg.ID] == e {
		delete(c.byServer, e.msg.ID)
	}
	idx := clientIndex(e.msg.Sender, e.msg.ClientKey)
	if e.msg.ClientKey != "" && c.byClient[idx] == e {
		delete(c.byClient, idx)
	}
}

// match finds the local entry msg describes: by server id, then by
// correlation id, then by content for entries that have neither. A server id
// that was only claimed by content loses to a correlation match.
func (c *conversation) match(msg models.Message) (*entry, matchKind) {
	var byID *entry
	if msg.ID != "" {
		byID = c.byServer[msg.ID]
	}
	if byID != nil && byID.claim == nil {
		return byID, matchServer
	}
	if msg.ClientKey != "" {
		if e, ok := c.byClient[clientIndex(msg.Sender, msg.ClientKey)]; ok {
			return e, matchClient
		}
	}
	if byID != nil {
		return byID, matchServer
	}
	var best *entry
	for _, e := range c.entries {
		if similar(e, msg) && (best == nil || e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, matchNone
	}
	return best, matchContent
}

func sameRoute(e *entry, msg models.Message) bool {
	return e.msg.Sender == msg.Sender && e.msg.Receiver == msg.Receiver
}

func similar(e *entry, msg models.Message) bool {
	if e.msg.ID != "" {
		return false
	}
	// Both correlated and the exact lookup missed: two different sends.
	if e.msg.ClientKey != "" && msg.ClientKey != "" {
		return false
	}
	if e.msg.Sender != msg.Sender || e.msg.Receiver != msg.Receiver || e.msg.Body != msg.Body {
		return false
	}
	if e.msg.CreatedAt.IsZero() || msg.CreatedAt.IsZero() {
		return true
	}
	d := e.msg.CreatedAt.Sub(msg.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= matchWindow
}

// absorb folds a server copy of the message into e. seen only ever goes
// from false to true and a confirmed body is never rewritten.
func (c *conversation) absorb(e *entry, msg models.Message) {
	if msg.ID != "" && e.msg.ID == "" {
		e.msg.ID = msg.ID
		c.byServer[msg.ID] = e
	}
	if msg.ClientKey != "" && e.msg.ClientKey == "" {
		e.msg.ClientKey = msg.ClientKey
		c.byClient[clientIndex(e.msg.Sender, msg.ClientKey)] = e
	}
	if msg.ConversationID != "" {
		e.msg.ConversationID = msg.ConversationID
	}
	if msg.SenderType != "" {
		e.msg.SenderType = msg.SenderType
	}
	if msg.ReceiverType != "" {
		e.msg.ReceiverType = msg.ReceiverType
	}
	if msg.Body != "" && (e.status != StatusConfirmed || e.msg.Body == "") {
		e.msg.Body = msg.Body
	}
	if !msg.CreatedAt.IsZero() {
		e.msg.CreatedAt = msg.CreatedAt
	}
	if msg.Seen {
		e.msg.Seen = true
		e.seenPending = false
	}
	if e.msg.ID != "" {
		e.status = StatusConfirmed
		e.err = nil
	}
	c.touch(e)
}

// claimID absorbs an uncorrelated push into the pending entry it looks like.
func (c *conversation) claimID(e *entry, msg models.Message) {
	if msg.ID != "" && e.msg.ID == "" {
		e.claim = &claim{push: msg, prior: e.msg, status: e.status, err: e.err, seenPending: e.seenPending}
	}
	c.absorb(e, msg)
}

// release hands back a claimed id and restores e to the state it had before
// the claim. It returns the push that made the claim.
func (c *conversation) release(e *entry) models.Message {
	cl := e.claim
	if c.byServer[e.msg.ID] == e {
		delete(c.byServer, e.msg.ID)
	}
	if e.msg.ClientKey != cl.prior.ClientKey {
		idx := clientIndex(e.msg.Sender, e.msg.ClientKey)
		if c.byClient[idx] == e {
			delete(c.byClient, idx)
		}
	}
	e.msg, e.status, e.err, e.seenPending = cl.prior, cl.status, cl.err, cl.seenPending
	e.claim = nil
	c.touch(e)
	return cl.push
}

// confirm applies the server copy of e's own send, correlated by client key.
// It outranks any content claim: another entry holding the id gives it up,
// and an id e claimed for a different message goes back to be matched again.
func (c *conversation) confirm(e *entry, msg models.Message, now time.Time) {
	var displaced *models.Message
	if msg.ID != "" {
		if other, ok := c.byServer[msg.ID]; ok && other != e {
			switch {
			case other.claim != nil:
				c.release(other)
			case other.msg.ClientKey == "":
				// An uncorrelated copy of this send already has its own entry.
				if other.msg.Seen {
					msg.Seen = true
				}
				c.remove(other)
			}
		}
		if e.claim != nil {
			if e.msg.ID != msg.ID {
				push := c.release(e)
				displaced = &push
			} else {
				e.claim = nil
			}
		}
	}
	c.absorb(e, msg)
	if displaced != nil {
		c.merge(*displaced, now)
	}
}

// merge applies a server message and reports whether it created a new entry.
// A copy whose route contradicts the entry holding its id is rejected with a
// nil entry. Messages without a timestamp get now so they sort after what is
// known.
func (c *conversation) merge(msg models.Message, now time.Time) (*entry, bool) {
	e, how := c.match(msg)
	switch how {
	case matchServer:
		if !sameRoute(e, msg) {
			return nil, false
		}
		c.absorb(e, msg)
		return e, false
	case matchClient:
		if !sameRoute(e, msg) {
			return nil, false
		}
		c.confirm(e, msg, now)
		return e, false
	case matchContent:
		c.claimID(e, msg)
		return e, false
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	key := "srv:" + msg.ID
	if msg.ID == "" {
		key = fmt.Sprintf("push:%d", c.seq+1)
	}
	return c.add(key, msg, StatusConfirmed), true
}

// supersede makes history the baseline. Confirmed entries that history does
// not mention are dropped unless they changed after since; pending and
// failed entries always survive. An entry whose id history assigns to a
// different route is replaced. It returns the dropped entries.
func (c *conversation) supersede(history []models.Message, since uint64, now time.Time) []*entry {
	kept := make(map[*entry]struct{}, len(history))
	var dropped []*entry
	for _, msg := range history {
		if old, ok := c.byServer[msg.ID]; ok && msg.ID != "" && !sameRoute(old, msg) {
			if old.claim != nil {
				c.release(old)
			} else {
				c.remove(old)
				dropped = append(dropped, old)
			}
		}
		if e, _ := c.merge(msg, now); e != nil {
			kept[e] = struct{}{}
		}
	}
	for _, e := range c.entries {
		if _, ok := kept[e]; ok || e.status != StatusConfirmed || e.rev > since {
			continue
		}
		c.remove(e)
		dropped = append(dropped, e)
	}
	return dropped
}

func (c *conversation) sorted() []*entry {
	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// less orders by timestamp, then server id in assignment order (ids are
// decimal sequence numbers, unassigned last), then local insertion.
func less(x, y *entry) bool {
	if !x.msg.CreatedAt.Equal(y.msg.CreatedAt) {
		return x.msg.CreatedAt.Before(y.msg.CreatedAt)
	}
	if c := compareIDs(x.msg.ID, y.msg.ID); c != 0 {
		return c < 0
	}
	return x.seq < y.seq
}

func compareIDs(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	case len(a) != len(b):
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
