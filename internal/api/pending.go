package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConflict is returned by add when the chat already has a request
// in flight. Callers map it to 409.
var ErrConflict = errors.New("request already in flight for this chat")

var errShuttingDown = errors.New("server shutting down")

// pendingRequest is one synchronous HTTP caller parked until the agent
// answers. The reply channel is buffered so resolve never blocks on a
// handler that already gave up.
type pendingRequest struct {
	id      string
	chatID  string
	channel string
	created time.Time
	reply   chan string
}

// pendingTable correlates OUTGOING_MESSAGE signals with handlers
// waiting on them. Entries are keyed by request id; at most one entry
// per (chatID, channel) pair may be in flight at a time.
type pendingTable struct {
	mu       sync.Mutex
	entries  map[string]*pendingRequest
	closed   bool
	shutdown chan struct{}
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries:  make(map[string]*pendingRequest),
		shutdown: make(chan struct{}),
	}
}

// add registers a waiter for (chatID, channel). It fails with
// ErrConflict while another request for the same pair is in flight,
// and with errShuttingDown after drain.
func (p *pendingTable) add(chatID, channel string) (*pendingRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errShuttingDown
	}
	for _, e := range p.entries {
		if e.chatID == chatID && e.channel == channel {
			return nil, ErrConflict
		}
	}
	pr := &pendingRequest{
		id:      uuid.NewString(),
		chatID:  chatID,
		channel: channel,
		created: time.Now(),
		reply:   make(chan string, 1),
	}
	p.entries[pr.id] = pr
	return pr, nil
}

// remove evicts a waiter. Handlers call it on every exit path; evicting
// an id that resolve already claimed is a no-op.
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

// resolve delivers text to the earliest waiter for (chatID, channel)
// and reports whether one existed. Replies with no waiter are the
// caller's to drop.
func (p *pendingTable) resolve(chatID, channel, text string) bool {
	p.mu.Lock()
	var match *pendingRequest
	for _, e := range p.entries {
		if e.chatID != chatID || e.channel != channel {
			continue
		}
		if match == nil || e.created.Before(match.created) {
			match = e
		}
	}
	if match != nil {
		delete(p.entries, match.id)
	}
	p.mu.Unlock()

	if match == nil {
		return false
	}
	match.reply <- text
	return true
}

func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// drain rejects every parked handler and refuses new registrations.
// It returns how many waiters were released.
func (p *pendingTable) drain() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.closed = true
	n := len(p.entries)
	p.entries = make(map[string]*pendingRequest)
	p.mu.Unlock()
	close(p.shutdown)
	return n
}
