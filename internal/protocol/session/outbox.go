package session

import (
	"errors"
	"sync"

	"github.com/danmuck/nfcrelay/internal/pairing"
)

var (
	ErrNoOutbox     = errors.New("session: no outbox attached")
	ErrOutboxFull   = errors.New("session: outbox full")
	ErrOutboxClosed = errors.New("session: outbox closed")
)

type outboxKey struct {
	sessionID string
	role      pairing.Role
}

// Outbox is the bounded delivery queue toward one connected (session, role).
// The owning connection drains C() until Done() is closed.
type Outbox struct {
	SessionID string
	Role      pairing.Role

	ch        chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newOutbox(sessionID string, role pairing.Role, capacity int) *Outbox {
	return &Outbox{
		SessionID: sessionID,
		Role:      role,
		ch:        make(chan Envelope, capacity),
		done:      make(chan struct{}),
	}
}

func (o *Outbox) C() <-chan Envelope {
	return o.ch
}

func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) Len() int {
	return len(o.ch)
}

// Push enqueues without blocking.
func (o *Outbox) Push(env Envelope) error {
	select {
	case <-o.done:
		return ErrOutboxClosed
	default:
	}
	select {
	case o.ch <- env:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Drain removes and returns whatever is still queued.
func (o *Outbox) Drain() []Envelope {
	var out []Envelope
	for {
		select {
		case env := <-o.ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

func (o *Outbox) close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}

// OutboxMux owns at most one Outbox per (session, role).
type OutboxMux struct {
	mu       sync.RWMutex
	capacity int
	items    map[outboxKey]*Outbox
}

func NewOutboxMux(capacity int) *OutboxMux {
	if capacity <= 0 {
		capacity = DefaultConfig().OutboxCapacity
	}
	return &OutboxMux{
		capacity: capacity,
		items:    make(map[outboxKey]*Outbox),
	}
}

// Attach creates the outbox for (sessionID, role), queueing first ahead of
// anything pushed once it is visible. A previous outbox for the same key is
// closed and its undelivered messages are dropped.
func (m *OutboxMux) Attach(sessionID string, role pairing.Role, first ...Envelope) *Outbox {
	ob, _ := m.Replace(sessionID, role, first...)
	return ob
}

// Replace is Attach that also returns the superseded outbox, already closed,
// or nil when the key was free.
func (m *OutboxMux) Replace(sessionID string, role pairing.Role, first ...Envelope) (*Outbox, *Outbox) {
	key := outboxKey{sessionID: sessionID, role: role}
	ob := newOutbox(sessionID, role, m.capacity+len(first))
	for _, env := range first {
		ob.ch <- env
	}
	m.mu.Lock()
	prev := m.items[key]
	m.items[key] = ob
	m.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return ob, prev
}

// Push enqueues env toward (sessionID, role). Pushes to an unattached key are
// dropped with ErrNoOutbox so the caller can apply its own fallback.
func (m *OutboxMux) Push(sessionID string, role pairing.Role, env Envelope) error {
	m.mu.RLock()
	ob := m.items[outboxKey{sessionID: sessionID, role: role}]
	m.mu.RUnlock()
	if ob == nil {
		return ErrNoOutbox
	}
	return ob.Push(env)
}

// Detach removes ob if it is still the current outbox for its key and closes it.
func (m *OutboxMux) Detach(ob *Outbox) bool {
	if ob == nil {
		return false
	}
	key := outboxKey{sessionID: ob.SessionID, role: ob.Role}
	m.mu.Lock()
	current := m.items[key] == ob
	if current {
		delete(m.items, key)
	}
	m.mu.Unlock()
	ob.close()
	return current
}

func (m *OutboxMux) Has(sessionID string, role pairing.Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[outboxKey{sessionID: sessionID, role: role}]
	return ok
}

// Attached reports whether any role of sessionID has an outbox.
func (m *OutboxMux) Attached(sessionID string) bool {
	return m.Has(sessionID, pairing.RoleReader) || m.Has(sessionID, pairing.RoleTag)
}

func (m *OutboxMux) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
