package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of one synchronous command.
type Outcome string

const (
	OutcomeAnswered   Outcome = "answered"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomePeerAbsent Outcome = "peer_absent"
	OutcomeBusy       Outcome = "busy"
	OutcomeCanceled   Outcome = "canceled"
)

// Reply is what a correlation slot resolves to.
type Reply struct {
	Response string
	Outcome  Outcome
}

// Slot is a one-shot wait handle owned by exactly one command invocation.
type Slot struct {
	CallID    string
	SessionID string
	OpenedAt  time.Time

	ch chan Reply
}

// Correlator tracks waiting slots by call id, with a per-session FIFO index
// for answers that carry no call id and for teardown.
type Correlator struct {
	mu        sync.Mutex
	byCall    map[string]*Slot
	bySession map[string][]*Slot
	newID     func() string
}

func NewCorrelator() *Correlator {
	return &Correlator{
		byCall:    make(map[string]*Slot),
		bySession: make(map[string][]*Slot),
		newID:     uuid.NewString,
	}
}

// Open creates a slot scoped to a fresh call id.
func (c *Correlator) Open(sessionID string) *Slot {
	slot := &Slot{
		CallID:    c.newID(),
		SessionID: sessionID,
		OpenedAt:  time.Now(),
		ch:        make(chan Reply, 1),
	}
	c.mu.Lock()
	c.byCall[slot.CallID] = slot
	c.bySession[sessionID] = append(c.bySession[sessionID], slot)
	c.mu.Unlock()
	return slot
}

// Fulfill delivers response to the slot named by callID. An empty callID
// selects the oldest waiting slot of sessionID. It reports false when nobody
// is waiting.
func (c *Correlator) Fulfill(sessionID, callID, response string) bool {
	c.mu.Lock()
	var slot *Slot
	if callID != "" {
		slot = c.byCall[callID]
		if slot != nil && slot.SessionID != sessionID {
			slot = nil
		}
	} else if queue := c.bySession[sessionID]; len(queue) > 0 {
		slot = queue[0]
	}
	if slot == nil {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(slot)
	c.mu.Unlock()

	slot.ch <- Reply{Response: response, Outcome: OutcomeAnswered}
	return true
}

// Cancel discards slot. It reports false when the slot was already resolved.
func (c *Correlator) Cancel(slot *Slot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byCall[slot.CallID]; !ok {
		return false
	}
	c.removeLocked(slot)
	return true
}

// Release resolves every waiting slot of sessionID as peer absent.
func (c *Correlator) Release(sessionID string) int {
	c.mu.Lock()
	queue := c.bySession[sessionID]
	for _, slot := range queue {
		delete(c.byCall, slot.CallID)
	}
	delete(c.bySession, sessionID)
	c.mu.Unlock()

	for _, slot := range queue {
		slot.ch <- Reply{Outcome: OutcomePeerAbsent}
	}
	return len(queue)
}

// ReleaseCalls resolves the named waiting slots of sessionID as peer absent.
// Unknown call ids are skipped.
func (c *Correlator) ReleaseCalls(sessionID string, callIDs []string) int {
	c.mu.Lock()
	var released []*Slot
	for _, id := range callIDs {
		slot := c.byCall[id]
		if slot == nil || slot.SessionID != sessionID {
			continue
		}
		c.removeLocked(slot)
		released = append(released, slot)
	}
	c.mu.Unlock()

	for _, slot := range released {
		slot.ch <- Reply{Outcome: OutcomePeerAbsent}
	}
	return len(released)
}

// Wait blocks until slot is resolved, timeout elapses or ctx ends. Only the
// calling goroutine is suspended.
func (c *Correlator) Wait(ctx context.Context, slot *Slot, timeout time.Duration) Reply {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-slot.ch:
		return reply
	case <-timer.C:
		return c.abandon(slot, OutcomeTimedOut)
	case <-ctx.Done():
		return c.abandon(slot, OutcomeCanceled)
	}
}

func (c *Correlator) abandon(slot *Slot, outcome Outcome) Reply {
	if c.Cancel(slot) {
		return Reply{Outcome: outcome}
	}
	// Resolved concurrently; the reply is already buffered.
	return <-slot.ch
}

func (c *Correlator) Pending(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bySession[sessionID])
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byCall)
}

func (c *Correlator) removeLocked(slot *Slot) {
	delete(c.byCall, slot.CallID)
	queue := c.bySession[slot.SessionID]
	for i, s := range queue {
		if s == slot {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.bySession, slot.SessionID)
		return
	}
	c.bySession[slot.SessionID] = queue
}
