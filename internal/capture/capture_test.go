package capture

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"rowsync/internal/rowmodel"
)

func TestDirtyColumns_detectsChangedValue(t *testing.T) {
	pre := map[string]any{"name": "A", "updated_at": "T0"}
	post := map[string]any{"name": "B", "updated_at": "T1"}

	dirty := DirtyColumns(pre, post)
	if !containsCol(dirty, "name") || !containsCol(dirty, "updated_at") {
		t.Errorf("DirtyColumns() = %v, want name and updated_at", dirty)
	}
}

func TestDirtyColumns_identicalReassignmentNotDirty(t *testing.T) {
	pre := map[string]any{"name": "A"}
	post := map[string]any{"name": "A"}

	dirty := DirtyColumns(pre, post)
	if len(dirty) != 0 {
		t.Errorf("DirtyColumns() = %v, want empty for identical reassignment", dirty)
	}
}

// Updating only updated_at produces no meaningful change.
func TestIsMeaningful_onlyTimestampTouched(t *testing.T) {
	dirty := []string{"updated_at"}
	if IsMeaningful(dirty) {
		t.Error("IsMeaningful() = true for updated_at-only change, want false")
	}
}

func TestIsMeaningful_versionAndIDIgnored(t *testing.T) {
	dirty := []string{"version", "id"}
	if IsMeaningful(dirty) {
		t.Error("IsMeaningful() = true for version/id-only change, want false")
	}
}

// A soft-delete-only write (deleted_at set, nothing else) must still be
// captured.
func TestIsMeaningful_deletedAtAlwaysMeaningful(t *testing.T) {
	dirty := []string{"deleted_at"}
	if !IsMeaningful(dirty) {
		t.Error("IsMeaningful() = false for deleted_at-only change, want true")
	}
}

func TestIsMeaningful_domainColumnChanged(t *testing.T) {
	dirty := []string{"name"}
	if !IsMeaningful(dirty) {
		t.Error("IsMeaningful() = false for domain column change, want true")
	}
}

func TestSuppressedOrigin_roundTrip(t *testing.T) {
	ctx := Suppress(context.Background(), "node-7")
	origin, ok := SuppressedOrigin(ctx)
	if !ok {
		t.Fatal("SuppressedOrigin() ok = false, want true")
	}
	if origin != "node-7" {
		t.Errorf("origin = %q, want node-7", origin)
	}
}

func TestSuppressedOrigin_unsuppressedContext(t *testing.T) {
	if _, ok := SuppressedOrigin(context.Background()); ok {
		t.Error("SuppressedOrigin() ok = true on a plain context")
	}
}

func TestDefaultHooks_beforeInsert_assignsIDAndVersion(t *testing.T) {
	var calls int
	nextID := func(ctx context.Context) (rowmodel.RowId, error) {
		calls++
		return rowmodel.NewRowId(1, 1, 1), nil
	}
	hooks := DefaultHooks(nextID, func(ctx context.Context, tx *sql.Tx, entry rowmodel.ChangeEntry) error { return nil })

	row := map[string]any{"name": "A"}
	out, err := hooks.BeforeInsert(context.Background(), row)
	if err != nil {
		t.Fatalf("BeforeInsert() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("nextID called %d times, want 1", calls)
	}
	if out["version"] != uint64(1) {
		t.Errorf("version = %v, want 1", out["version"])
	}
	if _, ok := out["updated_at"].(time.Time); !ok {
		t.Errorf("updated_at = %v, want time.Time", out["updated_at"])
	}
}

func TestDefaultHooks_beforeInsert_keepsExistingID(t *testing.T) {
	existing := rowmodel.NewRowId(1, 1, 1)
	var calls int
	nextID := func(ctx context.Context) (rowmodel.RowId, error) {
		calls++
		return rowmodel.NewRowId(2, 2, 2), nil
	}
	hooks := DefaultHooks(nextID, nil)

	row := map[string]any{"id": existing}
	out, err := hooks.BeforeInsert(context.Background(), row)
	if err != nil {
		t.Fatalf("BeforeInsert() error: %v", err)
	}
	if calls != 0 {
		t.Error("nextID should not be called when id is already present")
	}
	if out["id"] != existing {
		t.Errorf("id = %v, want %v", out["id"], existing)
	}
}

func TestDefaultHooks_beforeInsert_suppressedTrustsPayload(t *testing.T) {
	nextID := func(ctx context.Context) (rowmodel.RowId, error) {
		t.Fatal("nextID should not be called under suppression")
		return 0, nil
	}
	hooks := DefaultHooks(nextID, nil)

	row := map[string]any{"id": rowmodel.NewRowId(1, 9, 1), "version": uint64(1)}
	ctx := Suppress(context.Background(), "9")
	out, err := hooks.BeforeInsert(ctx, row)
	if err != nil {
		t.Fatalf("BeforeInsert() error: %v", err)
	}
	if out["version"] != uint64(1) {
		t.Errorf("version = %v, want unchanged 1", out["version"])
	}
}

func TestDefaultHooks_beforeUpdate_nonMeaningfulSkipsVersionBump(t *testing.T) {
	hooks := DefaultHooks(nil, nil)

	pre := map[string]any{"name": "A", "version": uint64(3), "updated_at": "T0"}
	post := map[string]any{"name": "A", "version": uint64(3), "updated_at": "T1"}

	dirty, meaningful, resolved := hooks.BeforeUpdate(context.Background(), pre, post)
	if meaningful {
		t.Errorf("meaningful = true, want false for timestamp-only update; dirty=%v", dirty)
	}
	if resolved["version"] != uint64(3) {
		t.Errorf("version = %v, want unchanged 3", resolved["version"])
	}
}

func TestDefaultHooks_beforeUpdate_meaningfulBumpsVersion(t *testing.T) {
	hooks := DefaultHooks(nil, nil)

	pre := map[string]any{"name": "A", "version": uint64(3)}
	post := map[string]any{"name": "B", "version": uint64(3)}

	_, meaningful, resolved := hooks.BeforeUpdate(context.Background(), pre, post)
	if !meaningful {
		t.Fatal("meaningful = false, want true for domain column change")
	}
	if resolved["version"] != uint64(4) {
		t.Errorf("version = %v, want bumped to 4", resolved["version"])
	}
}

func TestDefaultHooks_beforeUpdate_suppressedNeverMeaningful(t *testing.T) {
	hooks := DefaultHooks(nil, nil)

	pre := map[string]any{"name": "A", "version": uint64(3)}
	post := map[string]any{"name": "B", "version": uint64(4), "deleted_at": time.Now()}

	ctx := Suppress(context.Background(), "9")
	_, meaningful, resolved := hooks.BeforeUpdate(ctx, pre, post)
	if meaningful {
		t.Error("meaningful = true under suppression, want false (apply must not re-trigger capture)")
	}
	if resolved["version"] != uint64(4) {
		t.Errorf("resolved version = %v, want the incoming entry's version 4 preserved", resolved["version"])
	}
}

func containsCol(cols []string, want string) bool {
	for _, c := range cols {
		if c == want {
			return true
		}
	}
	return false
}
