// Package correlation tracks requests awaiting a response on one connection.
//
// A Table maps outbound msg ids to completion handles. Every handle is
// completed exactly once: by its response, by a targeted failure, or by
// FailAll when the connection ends.
package correlation

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/wire"
)

// DefaultRecentCapacity is how many resolved msg ids are remembered for
// duplicate detection.
const DefaultRecentCapacity = 4096

// Handle is the caller's side of one pending request.
type Handle struct {
	id    uint64
	table *Table
	done  chan struct{}
	msg   *wire.Message
	err   error
}

// MsgID returns the msg id of the request.
func (h *Handle) MsgID() uint64 { return h.id }

// Done is closed once the handle is completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (h *Handle) Result() (*wire.Message, error) { return h.msg, h.err }

// Wait blocks until the response arrives, the request fails, or ctx ends.
// When ctx ends first the pending entry is withdrawn.
func (h *Handle) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case <-h.done:
		return h.msg, h.err
	case <-ctx.Done():
	}
	if !h.table.Cancel(h.id) {
		// Completed concurrently with cancellation.
		<-h.done
		return h.msg, h.err
	}
	return nil, ctx.Err()
}

// Table is the pending request table of one connection.
type Table struct {
	mu       sync.Mutex
	pending  map[uint64]*Handle
	resolved *lru.Cache[uint64, struct{}]
	closed   bool
	closeErr error

	onChange func(delta int)
}

// NewTable returns an empty table remembering up to recent resolved ids.
func NewTable(recent int) *Table {
	if recent <= 0 {
		recent = DefaultRecentCapacity
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[uint64, struct{}](recent)
	return &Table{
		pending:  make(map[uint64]*Handle),
		resolved: cache,
	}
}

// OnPendingChange installs f to be told how the number of pending entries
// changes. f runs with the table lock held and must not call back into it.
// It must be set before the table is shared.
func (t *Table) OnPendingChange(f func(delta int)) {
	t.onChange = f
}

func (t *Table) changed(delta int) {
	if t.onChange != nil && delta != 0 {
		t.onChange(delta)
	}
}

// Register adds a pending entry for id.
func (t *Table) Register(id uint64) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, t.closeErr
	}
	if _, ok := t.pending[id]; ok {
		return nil, domain.ErrDuplicateRequest.WithDetailsf("msg_id %d", id)
	}
	h := &Handle{id: id, table: t, done: make(chan struct{})}
	t.pending[id] = h
	t.changed(1)
	return h, nil
}

// Resolve completes the entry that msg responds to. A response for an id
// resolved earlier yields ErrDuplicateResponse; one for an id never
// pending yields ErrUnexpectedResponse. Neither affects other entries.
func (t *Table) Resolve(msg *wire.Message) error {
	id := msg.Header.InResponseTo

	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.pending[id]
	if !ok {
		if t.resolved.Contains(id) {
			return domain.ErrDuplicateResponse.WithDetailsf("in_response_to %d", id)
		}
		return domain.ErrUnexpectedResponse.WithDetailsf("in_response_to %d", id)
	}
	delete(t.pending, id)
	t.resolved.Add(id, struct{}{})
	t.changed(-1)
	h.complete(msg, nil)
	return nil
}

// Fail completes the entry for id with err. It reports whether an entry
// was pending.
func (t *Table) Fail(id uint64, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	t.resolved.Add(id, struct{}{})
	t.changed(-1)
	h.complete(nil, err)
	return true
}

// Cancel withdraws the entry for id without completing it through the
// normal path. It reports whether an entry was pending.
func (t *Table) Cancel(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	t.changed(-1)
	h.complete(nil, context.Canceled)
	return true
}

// FailAll completes every pending entry with err and refuses new entries.
// It returns the number of entries failed. Later calls fail nothing.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		t.closeErr = err
	}
	n := len(t.pending)
	t.changed(-n)
	for id, h := range t.pending {
		delete(t.pending, id)
		h.complete(nil, err)
	}
	return n
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// complete is called with the table lock held, exactly once per handle.
func (h *Handle) complete(msg *wire.Message, err error) {
	h.msg = msg
	h.err = err
	close(h.done)
}
