// Package correlation maps in-flight request identifiers to the callers
// awaiting their responses. Every registered id is resolved exactly once,
// by whichever of response arrival, timeout, or connection loss happens
// first; the losers of that race become no-ops.
package correlation

import (
	"context"
	"sync"

	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
)

// Resolution is the single outcome delivered to a waiter: either a
// response or an error (ErrRequestTimeout / ErrConnectionLost).
type Resolution struct {
	Response *protocol.HTTPResponse
	Err      error
}

type entry struct {
	id   string
	done chan Resolution // buffered 1; written exactly once
}

// Table tracks pending requests. The mutex guards only the map itself:
// waiters block on their own handle channel, so unrelated requests never
// serialize behind each other.
type Table struct {
	mu      sync.Mutex
	pending map[string]*entry
	logger  logging.Logger
}

func NewTable(logger logging.Logger) *Table {
	return &Table{
		pending: make(map[string]*entry),
		logger:  logger.With("module", "correlation"),
	}
}

// Handle is the waiter side of a registered request.
type Handle struct {
	table *Table
	entry *entry
}

// Register adds a pending request. Registering an id that is already
// pending fails with ErrDuplicateRequestID and leaves the existing entry
// untouched.
func (t *Table) Register(requestID string) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[requestID]; ok {
		return nil, common.ErrDuplicateRequestID
	}

	e := &entry{id: requestID, done: make(chan Resolution, 1)}
	t.pending[requestID] = e
	return &Handle{table: t, entry: e}, nil
}

// Resolve completes a pending request with its response. An unknown id is
// a legitimate no-op: the response may arrive after the caller already
// timed out or the connection dropped.
func (t *Table) Resolve(ctx context.Context, requestID string, resp *protocol.HTTPResponse) {
	e := t.take(requestID)
	if e == nil {
		t.logger.Debug(ctx, "response for unknown request id dropped", "requestId", requestID)
		return
	}
	e.done <- Resolution{Response: resp}
}

// Expire completes a still-pending request with ErrRequestTimeout; if the
// id is no longer pending this is a no-op.
func (t *Table) Expire(requestID string) {
	e := t.take(requestID)
	if e == nil {
		return
	}
	e.done <- Resolution{Err: common.ErrRequestTimeout}
}

// CancelAll completes every pending request with the given reason
// (typically ErrConnectionLost). No caller is left waiting across a
// reconnect.
func (t *Table) CancelAll(reason error) {
	t.mu.Lock()
	taken := make([]*entry, 0, len(t.pending))
	for _, e := range t.pending {
		taken = append(taken, e)
	}
	t.pending = make(map[string]*entry)
	t.mu.Unlock()

	for _, e := range taken {
		e.done <- Resolution{Err: reason}
	}
}

// Len reports the number of currently pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// take removes and returns the entry for id, or nil if it is not pending.
// Removal under the lock is what makes resolution exactly-once: only the
// caller that took the entry may write to its channel.
func (t *Table) take(requestID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[requestID]
	if !ok {
		return nil
	}
	delete(t.pending, requestID)
	return e
}

// Wait blocks until the request resolves or ctx is done. A ctx deadline
// converts into Expire, so the caller still observes the table's single
// resolution rather than a bare context error.
func (h *Handle) Wait(ctx context.Context) (*protocol.HTTPResponse, error) {
	select {
	case res := <-h.entry.done:
		return res.Response, res.Err
	case <-ctx.Done():
		// Expire resolves the entry unless a response won the race; either
		// way the channel now holds the single resolution.
		h.table.Expire(h.entry.id)
		res := <-h.entry.done
		return res.Response, res.Err
	}
}
