package idalloc

import (
	"context"
	"sync"
	"testing"

	apperrors "rowsync/internal/errors"
	"rowsync/internal/rowmodel"
)

func TestNew_rejectsOutOfRangeNodeID(t *testing.T) {
	for _, bad := range []int{-1, 1024, 5000} {
		if _, err := New(bad); !apperrors.Is(err, apperrors.ErrBadNodeID) {
			t.Errorf("New(%d) err = %v, want ErrBadNodeID", bad, err)
		}
	}
}

func TestNew_acceptsBoundaryNodeIDs(t *testing.T) {
	for _, ok := range []int{0, 1023} {
		if _, err := New(ok); err != nil {
			t.Errorf("New(%d) unexpected error: %v", ok, err)
		}
	}
}

// Every produced id carries the allocator's node id in its node field.
func TestNext_nodeEmbedding(t *testing.T) {
	alloc, err := New(17)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	for i := 0; i < 100; i++ {
		id := alloc.Next()
		if id.NodeID() != 17 {
			t.Fatalf("id.NodeID() = %d, want 17", id.NodeID())
		}
	}
}

// Ids produced by concurrent callers sharing one allocator are all
// distinct.
func TestNext_concurrentUniqueness(t *testing.T) {
	alloc, err := New(3)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	const workers = 16
	const perWorker = 200

	ids := make(chan rowmodel.RowId, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- alloc.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[rowmodel.RowId]bool, workers*perWorker)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate RowId produced: %d", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("got %d unique ids, want %d", len(seen), workers*perWorker)
	}
}

func TestNext_monotonicWithinSameAllocator(t *testing.T) {
	alloc, err := New(1)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	prev := alloc.Next()
	for i := 0; i < 50; i++ {
		cur := alloc.Next()
		if cur <= prev {
			t.Fatalf("id did not increase: prev=%d cur=%d", prev, cur)
		}
		prev = cur
	}
}

func TestBindFromContext_roundTrip(t *testing.T) {
	alloc, err := New(4)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := Bind(context.Background(), alloc)
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext() ok = false, want true")
	}
	if got != alloc {
		t.Error("FromContext() returned a different allocator")
	}
}

func TestFromContext_unbound(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("FromContext() ok = true on an unbound context")
	}
}

func TestNext_errorsWithoutBoundAllocator(t *testing.T) {
	_, err := Next(context.Background())
	if !apperrors.Is(err, apperrors.ErrNoAllocatorBound) {
		t.Errorf("Next() err = %v, want ErrNoAllocatorBound", err)
	}
}

func TestWithAllocator_unbindsOnExit(t *testing.T) {
	alloc, err := New(9)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := context.Background()
	var sawBound bool
	err = WithAllocator(ctx, alloc, func(inner context.Context) error {
		_, ok := FromContext(inner)
		sawBound = ok
		return nil
	})
	if err != nil {
		t.Fatalf("WithAllocator() error: %v", err)
	}
	if !sawBound {
		t.Error("allocator was not bound inside WithAllocator's callback")
	}

	if _, ok := FromContext(ctx); ok {
		t.Error("allocator leaked onto the outer context")
	}
}
