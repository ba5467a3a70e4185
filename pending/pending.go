// Package pending implements call correlation: it matches each outgoing Call
// to the one Result that answers it.
//
// Every call registered with a Table gets a monotonically assigned rpcId and
// a completion slot. The endpoint's read loop resolves slots by rpcId as
// Result frames arrive, in whatever order the peer completes them:
//
//	caller-1 ──Register→ rpcId=1 ──Wait──────────┐
//	caller-2 ──Register→ rpcId=2 ──Wait──┐       │
//	read loop: Result(2) → resolve ──────┘       │
//	read loop: Result(1) → resolve ──────────────┘
//
// The table is drained exactly once when the owning endpoint disconnects:
// every outstanding call resolves with the connection-lost error so no
// caller hangs on a dead transport.
package pending

import (
	"context"
	"sync"

	"grainrpc/message"
)

// Outcome is the completion slot of one call. Exactly one of the three
// fields is meaningful: Payload for a remote success, Fault for a remote
// failure, Err for a local failure (connection lost, endpoint disposed).
type Outcome struct {
	Payload []byte
	Fault   *message.Fault
	Err     error
}

// Call is one pending invocation, keyed by its rpcId.
type Call struct {
	rpcID   uint64
	done    chan struct{}
	outcome Outcome
	once    sync.Once
}

func (c *Call) RpcID() uint64 { return c.rpcID }

// Done is the suspension façade: it is closed once the call resolves.
// After Done is closed, Outcome is immutable and safe to read.
func (c *Call) Done() <-chan struct{} { return c.done }

// Outcome must only be read after Done is closed.
func (c *Call) Outcome() Outcome { return c.outcome }

// Wait is the blocking façade over the same completion slot. It returns the
// outcome once the call resolves, or the context error if ctx ends first —
// the call itself stays registered and will still be drained on disconnect.
func (c *Call) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *Call) resolve(out Outcome) bool {
	won := false
	c.once.Do(func() {
		c.outcome = out
		close(c.done)
		won = true
	})
	return won
}

// Table owns the pending-call map of one endpoint. All mutation happens
// under one lock covering insert, resolve, and drain-on-disconnect.
type Table struct {
	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]*Call
	failed error // non-nil once the endpoint declared connection loss
}

func NewTable() *Table {
	return &Table{calls: make(map[uint64]*Call)}
}

// Register assigns the next rpcId and creates the pending slot. IDs are
// unique for the lifetime of the table; wraparound is not a concern at
// realistic call volumes.
//
// If the table was already drained, the returned call is resolved
// immediately with the drain error, so the caller observes connection loss
// instead of hanging on an id nothing will ever answer.
func (t *Table) Register() *Call {
	t.mu.Lock()
	t.nextID++
	c := &Call{rpcID: t.nextID, done: make(chan struct{})}
	if t.failed != nil {
		err := t.failed
		t.mu.Unlock()
		c.resolve(Outcome{Err: err})
		return c
	}
	t.calls[c.rpcID] = c
	t.mu.Unlock()
	return c
}

// Resolve completes the call registered under rpcID. At most one resolution
// wins; duplicate or late results are no-ops and report false.
func (t *Table) Resolve(rpcID uint64, out Outcome) bool {
	t.mu.Lock()
	c, ok := t.calls[rpcID]
	if ok {
		delete(t.calls, rpcID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	return c.resolve(out)
}

// FailAll drains every outstanding call with err and rejects future
// registrations with the same error. Idempotent: the first drain wins.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	if t.failed != nil {
		t.mu.Unlock()
		return
	}
	t.failed = err
	drained := t.calls
	t.calls = make(map[uint64]*Call)
	t.mu.Unlock()

	for _, c := range drained {
		c.resolve(Outcome{Err: err})
	}
}

// Len reports the number of outstanding calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
