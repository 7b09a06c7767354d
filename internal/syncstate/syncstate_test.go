package syncstate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	tmpDir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE sync_state (
		peer_id TEXT PRIMARY KEY,
		last_pulled_change_id INTEGER NOT NULL DEFAULT 0,
		last_pushed_change_id INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		t.Fatalf("create table error: %v", err)
	}
	return db
}

func TestGet_defaultsToZeroForUnknownPeer(t *testing.T) {
	db := newTestDB(t)
	store := New(db)

	state, err := store.Get(context.Background(), "peer-a")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state.LastPulledChangeID != 0 || state.LastPushedChangeID != 0 {
		t.Errorf("state = %+v, want zero watermarks", state)
	}
}

func TestAdvance_createsRowAndSetsWatermark(t *testing.T) {
	db := newTestDB(t)
	store := New(db)
	ctx := context.Background()

	pulled := uint64(5)
	if err := store.Advance(ctx, "peer-a", &pulled, nil); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	state, err := store.Get(ctx, "peer-a")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state.LastPulledChangeID != 5 {
		t.Errorf("LastPulledChangeID = %d, want 5", state.LastPulledChangeID)
	}
	if state.LastPushedChangeID != 0 {
		t.Errorf("LastPushedChangeID = %d, want 0 (untouched)", state.LastPushedChangeID)
	}
}

// Watermarks never decrease.
func TestAdvance_neverRegresses(t *testing.T) {
	db := newTestDB(t)
	store := New(db)
	ctx := context.Background()

	high := uint64(10)
	if err := store.Advance(ctx, "peer-a", &high, nil); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	low := uint64(3)
	if err := store.Advance(ctx, "peer-a", &low, nil); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	state, err := store.Get(ctx, "peer-a")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state.LastPulledChangeID != 10 {
		t.Errorf("LastPulledChangeID = %d, want 10 (must not regress)", state.LastPulledChangeID)
	}
}

func TestAdvance_bothWatermarksIndependently(t *testing.T) {
	db := newTestDB(t)
	store := New(db)
	ctx := context.Background()

	pulled := uint64(7)
	pushed := uint64(2)
	if err := store.Advance(ctx, "peer-a", &pulled, &pushed); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	morePushed := uint64(9)
	if err := store.Advance(ctx, "peer-a", nil, &morePushed); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	state, err := store.Get(ctx, "peer-a")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state.LastPulledChangeID != 7 {
		t.Errorf("LastPulledChangeID = %d, want 7 (untouched by second call)", state.LastPulledChangeID)
	}
	if state.LastPushedChangeID != 9 {
		t.Errorf("LastPushedChangeID = %d, want 9", state.LastPushedChangeID)
	}
}

func TestAdvance_multiplePeersIndependent(t *testing.T) {
	db := newTestDB(t)
	store := New(db)
	ctx := context.Background()

	a := uint64(1)
	b := uint64(99)
	if err := store.Advance(ctx, "peer-a", &a, nil); err != nil {
		t.Fatalf("Advance(peer-a) error: %v", err)
	}
	if err := store.Advance(ctx, "peer-b", &b, nil); err != nil {
		t.Fatalf("Advance(peer-b) error: %v", err)
	}

	stateA, _ := store.Get(ctx, "peer-a")
	stateB, _ := store.Get(ctx, "peer-b")
	if stateA.LastPulledChangeID != 1 {
		t.Errorf("peer-a watermark = %d, want 1", stateA.LastPulledChangeID)
	}
	if stateB.LastPulledChangeID != 99 {
		t.Errorf("peer-b watermark = %d, want 99", stateB.LastPulledChangeID)
	}
}
