package rpc

import (
	"fmt"
	"sync"
	"time"
)

// callResult is what a suspended caller eventually receives: a payload or
// exactly one of the call errors.
type callResult struct {
	payload []byte
	err     error
}

// pendingCall tracks one in-flight RPC awaiting its response.
type pendingCall struct {
	id        string // correlation id
	procedure string // canonical name, for errors and logs
	deadline  time.Time
	result    chan callResult // buffered(1); written exactly once
}

func (c *pendingCall) resolve(res callResult) {
	c.result <- res
}

// pendingTable is the shared map of in-flight calls keyed by correlation id.
//
// A single mutex guards every mutation so that lookup+remove is atomic:
// whichever of response delivery, timeout sweep, or cancellation removes the
// entry first wins, and the losers find nothing. That is what guarantees a
// call resolves exactly once and a correlation id maps to at most one call.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// add registers a call. Correlation ids are UUIDs so a collision means a
// caller bug; it is rejected rather than silently replacing the live call.
func (t *pendingTable) add(c *pendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.calls[c.id]; exists {
		return fmt.Errorf("correlation id %s already in flight", c.id)
	}
	t.calls[c.id] = c
	return nil
}

// take removes and returns the call for id, if still pending.
// The caller that successfully takes the entry owns its resolution.
func (t *pendingTable) take(id string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return c, ok
}

// expire removes and returns every call whose deadline has passed.
func (t *pendingTable) expire(now time.Time) []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var overdue []*pendingCall
	for id, c := range t.calls {
		if now.After(c.deadline) {
			overdue = append(overdue, c)
			delete(t.calls, id)
		}
	}
	return overdue
}

// drain removes and returns every pending call. Used at shutdown.
func (t *pendingTable) drain() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*pendingCall, 0, len(t.calls))
	for id, c := range t.calls {
		all = append(all, c)
		delete(t.calls, id)
	}
	return all
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
