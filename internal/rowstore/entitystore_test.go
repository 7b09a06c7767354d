package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"rowsync/internal/rowmodel"
)

func newTestStore(t *testing.T, nodeID string, nextSeq *uint64) (*Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "rowsync_entitystore_test_*")
	if err != nil {
		t.Fatalf("MkdirTemp() error: %v", err)
	}

	db, err := Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Open() error: %v", err)
	}

	if _, err := db.Exec(`CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		name TEXT,
		updated_at TEXT,
		version INTEGER,
		deleted_at TEXT
	)`); err != nil {
		t.Fatalf("create table error: %v", err)
	}

	nextID := func(ctx context.Context) (rowmodel.RowId, error) {
		*nextSeq++
		return rowmodel.NewRowId(int64(*nextSeq), 1, 0), nil
	}

	store := NewStore(db, nodeID, nextID)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	return store, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestStore_Insert_assignsIDAndAppendsChangelog(t *testing.T) {
	var seq uint64
	store, cleanup := newTestStore(t, "node-1", &seq)
	defer cleanup()

	ctx := context.Background()
	id, err := store.Insert(ctx, "customers", map[string]any{"name": "A"})
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if id == 0 {
		t.Fatal("Insert() returned zero RowId")
	}

	changes, hasMore, err := store.ChangesSince(ctx, 0, "nobody", 10)
	if err != nil {
		t.Fatalf("ChangesSince() error: %v", err)
	}
	if hasMore {
		t.Error("hasMore = true, want false")
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1", len(changes))
	}
	if changes[0].Op != rowmodel.OpInsert {
		t.Errorf("Op = %v, want INSERT", changes[0].Op)
	}
	if changes[0].OriginNodeID != "node-1" {
		t.Errorf("OriginNodeID = %q, want node-1", changes[0].OriginNodeID)
	}
}

func TestStore_Update_nonMeaningfulSkipsChangelog(t *testing.T) {
	var seq uint64
	store, cleanup := newTestStore(t, "node-1", &seq)
	defer cleanup()

	ctx := context.Background()
	id, err := store.Insert(ctx, "customers", map[string]any{"name": "A"})
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	// Touch only updated_at; non-meaningful.
	if err := store.Update(ctx, "customers", id, map[string]any{"updated_at": time.Now().UTC()}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	changes, _, err := store.ChangesSince(ctx, 0, "nobody", 10)
	if err != nil {
		t.Fatalf("ChangesSince() error: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1 (insert only, no update entry)", len(changes))
	}

	row, err := store.GetRow(ctx, "customers", id)
	if err != nil {
		t.Fatalf("GetRow() error: %v", err)
	}
	if v, _ := row["version"].(int64); v != 1 {
		t.Errorf("version = %v, want 1 (unchanged)", row["version"])
	}
}

func TestStore_Update_meaningfulBumpsVersionAndCaptures(t *testing.T) {
	var seq uint64
	store, cleanup := newTestStore(t, "node-1", &seq)
	defer cleanup()

	ctx := context.Background()
	id, err := store.Insert(ctx, "customers", map[string]any{"name": "A"})
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	if err := store.Update(ctx, "customers", id, map[string]any{"name": "B"}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	changes, _, err := store.ChangesSince(ctx, 0, "nobody", 10)
	if err != nil {
		t.Fatalf("ChangesSince() error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("len(changes) = %d, want 2 (insert + update)", len(changes))
	}
	if changes[1].Op != rowmodel.OpUpdate {
		t.Errorf("second entry Op = %v, want UPDATE", changes[1].Op)
	}
}

// A soft-delete-only write must bump version and be captured.
func TestStore_Update_softDelete(t *testing.T) {
	var seq uint64
	store, cleanup := newTestStore(t, "node-1", &seq)
	defer cleanup()

	ctx := context.Background()
	id, err := store.Insert(ctx, "customers", map[string]any{"name": "A"})
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	deletedAt := time.Now().UTC()
	if err := store.Update(ctx, "customers", id, map[string]any{"deleted_at": deletedAt}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	changes, _, err := store.ChangesSince(ctx, 0, "nobody", 10)
	if err != nil {
		t.Fatalf("ChangesSince() error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("len(changes) = %d, want 2 (insert + delete)", len(changes))
	}
	if changes[1].Op != rowmodel.OpDelete {
		t.Errorf("second entry Op = %v, want DELETE", changes[1].Op)
	}
}

func TestStore_ApplyUpsert_insertSuppressesLocalCapture(t *testing.T) {
	var seq uint64
	store, cleanup := newTestStore(t, "node-1", &seq)
	defer cleanup()

	ctx := context.Background()
	incoming := rowmodel.ChangeEntry{
		Table: "customers",
		RowID: rowmodel.NewRowId(1, 2, 1),
		Op:    rowmodel.OpInsert,
		Payload: map[string]any{
			"id":         rowmodel.NewRowId(1, 2, 1),
			"name":       "Remote",
			"version":    uint64(1),
			"updated_at": time.Now().UTC(),
			"deleted_at": nil,
		},
		Version:      1,
		OriginNodeID: "2",
	}

	if err := store.ApplyUpsert(ctx, incoming); err != nil {
		t.Fatalf("ApplyUpsert() error: %v", err)
	}

	// The apply must not produce a local changelog entry: ChangesSince
	// excluding origin "2" sees nothing new, since the only entry belongs
	// to origin "2" itself.
	changes, _, err := store.ChangesSince(ctx, 0, "2", 10)
	if err != nil {
		t.Fatalf("ChangesSince() error: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("len(changes) = %d, want 0 (applied entry must not be re-captured)", len(changes))
	}

	row, err := store.GetRow(ctx, "customers", incoming.RowID)
	if err != nil {
		t.Fatalf("GetRow() error: %v", err)
	}
	if row["name"] != "Remote" {
		t.Errorf("name = %v, want Remote", row["name"])
	}
}

func TestStore_LocalChangesSince_filtersByOrigin(t *testing.T) {
	var seq uint64
	store, cleanup := newTestStore(t, "node-1", &seq)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.Insert(ctx, "customers", map[string]any{"name": "A"}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	remoteEntry := rowmodel.ChangeEntry{
		Table: "customers",
		RowID: rowmodel.NewRowId(2, 9, 1),
		Op:    rowmodel.OpInsert,
		Payload: map[string]any{
			"id":         rowmodel.NewRowId(2, 9, 1),
			"name":       "B",
			"version":    uint64(1),
			"updated_at": time.Now().UTC(),
			"deleted_at": nil,
		},
		OriginNodeID: "9",
	}
	if err := store.ApplyUpsert(ctx, remoteEntry); err != nil {
		t.Fatalf("ApplyUpsert() error: %v", err)
	}

	local, err := store.LocalChangesSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("LocalChangesSince() error: %v", err)
	}
	if len(local) != 1 {
		t.Fatalf("len(local) = %d, want 1 (only node-1's own insert)", len(local))
	}
	if local[0].OriginNodeID != "node-1" {
		t.Errorf("OriginNodeID = %q, want node-1", local[0].OriginNodeID)
	}
}

func TestStore_GetRow_notFound(t *testing.T) {
	var seq uint64
	store, cleanup := newTestStore(t, "node-1", &seq)
	defer cleanup()

	_, err := store.GetRow(context.Background(), "customers", rowmodel.NewRowId(1, 1, 1))
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRow() err = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_ApplyUpsert_updateInsertsGhostRow(t *testing.T) {
	var seq uint64
	store, cleanup := newTestStore(t, "node-1", &seq)
	defer cleanup()

	ctx := context.Background()
	id := rowmodel.NewRowId(5, 3, 1)
	entry := rowmodel.ChangeEntry{
		Table: "customers",
		RowID: id,
		Op:    rowmodel.OpUpdate,
		Payload: map[string]any{
			"id":         id,
			"name":       "Ghost",
			"version":    uint64(4),
			"updated_at": time.Now().UTC(),
			"deleted_at": nil,
		},
		OriginNodeID: "3",
	}

	if err := store.ApplyUpsert(ctx, entry); err != nil {
		t.Fatalf("ApplyUpsert() error: %v", err)
	}

	row, err := store.GetRow(ctx, "customers", id)
	if err != nil {
		t.Fatalf("GetRow() error: %v", err)
	}
	if row["name"] != "Ghost" {
		t.Errorf("name = %v, want Ghost", row["name"])
	}
}
