// Package capture turns row mutations into changelog entries. The hook
// points are a struct of callbacks that the row store invokes explicitly
// around each write (before-insert, before-update, after-write), so any
// store capable of handing over the pre-image of a row can participate.
package capture

import (
	"context"
	"database/sql"
	"time"

	"rowsync/internal/rowmodel"
)

// ignorableColumns are the system columns whose change alone never makes
// an update meaningful. deleted_at is deliberately NOT included: a pure
// soft-delete write touches nothing else, and it must still bump the
// version and be captured or deletes would never propagate.
var ignorableColumns = map[string]bool{
	"id":         true,
	"updated_at": true,
	"version":    true,
}

// DirtyColumns returns the columns whose value in post differs from pre,
// comparing against the decoded pre-image rather than merely checking
// which keys were assigned. A key present in one map and absent (or nil)
// in the other counts as dirty.
func DirtyColumns(pre, post map[string]any) []string {
	var dirty []string
	seen := make(map[string]bool, len(pre)+len(post))
	for col := range pre {
		seen[col] = true
	}
	for col := range post {
		seen[col] = true
	}
	for col := range seen {
		if !valuesEqual(pre[col], post[col]) {
			dirty = append(dirty, col)
		}
	}
	return dirty
}

func valuesEqual(a, b any) bool {
	return a == b
}

// IsMeaningful reports whether a set of dirty columns should bump version
// and emit a ChangeEntry. Non-meaningful writes touch only ignorableColumns.
func IsMeaningful(dirty []string) bool {
	for _, col := range dirty {
		if !ignorableColumns[col] {
			return true
		}
	}
	return false
}

type suppressKey struct{}

// Suppress marks ctx as a sync-apply write: hooks invoked under this
// context must not bump version or author a new locally-originated
// change, since the incoming ChangeEntry already carries the
// authoritative version, updated_at, and deleted_at. originNodeID is the
// author of the entry being applied; the row store stamps it onto the
// changelog record it keeps of the applied entry.
func Suppress(ctx context.Context, originNodeID string) context.Context {
	return context.WithValue(ctx, suppressKey{}, originNodeID)
}

// SuppressedOrigin reports whether ctx is a capture-suppressed apply
// context, and if so, the origin_node_id of the entry being applied.
func SuppressedOrigin(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(suppressKey{}).(string)
	return v, ok
}

// BeforeInsertFunc prepares a row about to be inserted: assigning an id if
// absent, and initializing version/updated_at/deleted_at.
type BeforeInsertFunc func(ctx context.Context, row map[string]any) (map[string]any, error)

// BeforeUpdateFunc inspects a pending update and decides whether it is
// meaningful, returning the post-image with version/updated_at adjusted.
type BeforeUpdateFunc func(ctx context.Context, pre, post map[string]any) (dirty []string, meaningful bool, resolved map[string]any)

// AfterWriteFunc appends a ChangeEntry to the local changelog within the
// same transaction as the data write it describes, so committed rows
// always have a matching changelog tail and aborted transactions leave
// no orphan entries.
type AfterWriteFunc func(ctx context.Context, tx *sql.Tx, entry rowmodel.ChangeEntry) error

// Hooks bundles the three hook points a mirrored entity's writes run
// through. The row store invokes these explicitly around each insert and
// update (see internal/rowstore).
type Hooks struct {
	BeforeInsert BeforeInsertFunc
	BeforeUpdate BeforeUpdateFunc
	AfterWrite   AfterWriteFunc
}

// NextIDFunc requests the next RowId from whatever allocator is bound to
// ctx. Row store wiring passes idalloc.Next here to avoid capture
// importing idalloc directly (idalloc has no reason to depend on capture,
// and keeping the edge one-directional avoids an import cycle risk as
// both packages grow).
type NextIDFunc func(ctx context.Context) (rowmodel.RowId, error)

// DefaultHooks returns the Hooks the row store uses for every mirrored
// entity; afterWrite is supplied by the caller to append to its own
// changelog table.
func DefaultHooks(nextID NextIDFunc, afterWrite AfterWriteFunc) *Hooks {
	return &Hooks{
		BeforeInsert: func(ctx context.Context, row map[string]any) (map[string]any, error) {
			return prepareInsert(ctx, nextID, row)
		},
		BeforeUpdate: prepareUpdate,
		AfterWrite:   afterWrite,
	}
}

func prepareInsert(ctx context.Context, nextID NextIDFunc, row map[string]any) (map[string]any, error) {
	if _, suppressed := SuppressedOrigin(ctx); suppressed {
		// Applying an incoming INSERT: the payload already carries id,
		// version, updated_at, deleted_at from the origin node.
		return row, nil
	}

	if row["id"] == nil {
		id, err := nextID(ctx)
		if err != nil {
			return nil, err
		}
		row["id"] = id
	}
	row["version"] = uint64(1)
	row["updated_at"] = time.Now().UTC()
	if _, ok := row["deleted_at"]; !ok {
		row["deleted_at"] = nil
	}
	return row, nil
}

func prepareUpdate(ctx context.Context, pre, post map[string]any) ([]string, bool, map[string]any) {
	if _, suppressed := SuppressedOrigin(ctx); suppressed {
		// Trust the incoming entry's version/updated_at/deleted_at outright.
		return nil, false, post
	}

	dirty := DirtyColumns(pre, post)
	meaningful := IsMeaningful(dirty)

	resolved := make(map[string]any, len(post))
	for k, v := range post {
		resolved[k] = v
	}
	if meaningful {
		resolved["version"] = versionOf(pre) + 1
		resolved["updated_at"] = time.Now().UTC()
	} else {
		resolved["version"] = versionOf(pre)
		resolved["updated_at"] = pre["updated_at"]
	}
	return dirty, meaningful, resolved
}

func versionOf(row map[string]any) uint64 {
	switch v := row["version"].(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	default:
		return 0
	}
}
