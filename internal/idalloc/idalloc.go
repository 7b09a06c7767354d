// Package idalloc generates K-sorted RowId values and provides the
// per-context binding used to hand the active allocator to change capture
// without a hidden global singleton.
package idalloc

import (
	"context"
	"sync"
	"time"

	apperrors "rowsync/internal/errors"
	"rowsync/internal/rowmodel"
)

const maxSeq = (1 << 12) - 1

// Allocator generates monotonically-increasing, node-tagged RowId values.
// Safe for concurrent use; internal state is guarded by a mutex.
type Allocator struct {
	nodeID int

	mu     sync.Mutex
	lastMs int64
	seq    int
}

// New constructs an Allocator for the given node id. nodeID must be in
// 0..1023 (rowmodel.MaxNodeID); otherwise BadNodeID is returned.
func New(nodeID int) (*Allocator, error) {
	if nodeID < 0 || nodeID > rowmodel.MaxNodeID {
		return nil, apperrors.BadNodeID(nodeID)
	}
	return &Allocator{nodeID: nodeID, lastMs: -1}, nil
}

// nowMs returns milliseconds since rowmodel.Epoch for the current instant.
func nowMs() int64 {
	return time.Since(rowmodel.Epoch).Milliseconds()
}

// Next returns the next RowId. It never blocks on anything but the
// clock: if the per-millisecond sequence is exhausted it spins until the
// clock advances.
func (a *Allocator) Next() rowmodel.RowId {
	a.mu.Lock()
	defer a.mu.Unlock()

	ms := nowMs()
	if ms < 0 {
		ms = 0
	}
	if ms < a.lastMs {
		// Clock went backwards; never regress the timestamp component.
		ms = a.lastMs
	}

	if ms == a.lastMs {
		a.seq = (a.seq + 1) & maxSeq
		if a.seq == 0 {
			for {
				cur := nowMs()
				if cur > ms {
					ms = cur
					break
				}
			}
		}
	} else {
		a.seq = 0
	}
	a.lastMs = ms

	return rowmodel.NewRowId(ms, a.nodeID, a.seq)
}

// NodeID returns the node id this allocator was constructed with.
func (a *Allocator) NodeID() int {
	return a.nodeID
}

type contextKey struct{}

// Bind returns a context carrying the given allocator as the "current"
// allocator for FromContext lookups further down the call chain:
// explicit context passing instead of a hidden import-time singleton,
// so multi-tenant hosts can rebind per request.
func Bind(ctx context.Context, alloc *Allocator) context.Context {
	return context.WithValue(ctx, contextKey{}, alloc)
}

// FromContext retrieves the allocator bound by Bind, if any.
func FromContext(ctx context.Context) (*Allocator, bool) {
	alloc, ok := ctx.Value(contextKey{}).(*Allocator)
	return alloc, ok
}

// WithAllocator binds alloc to ctx for the duration of fn, guaranteeing
// the binding does not leak past fn's return (scoped acquisition with
// release-on-exit, per the concurrency model's per-context storage
// requirement).
func WithAllocator(ctx context.Context, alloc *Allocator, fn func(context.Context) error) error {
	return fn(Bind(ctx, alloc))
}

// Next requests an id from the allocator bound to ctx. Returns
// NoAllocatorBound if none is bound.
func Next(ctx context.Context) (rowmodel.RowId, error) {
	alloc, ok := FromContext(ctx)
	if !ok {
		return 0, apperrors.NoAllocatorBound()
	}
	return alloc.Next(), nil
}
