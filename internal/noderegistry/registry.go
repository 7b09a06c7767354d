// Package noderegistry implements the server-side allocation of node_id
// values to registering devices, and the client-side cache that makes
// registration idempotent across process restarts.
package noderegistry

import (
	"context"
	"database/sql"

	appErrors "rowsync/internal/errors"
	"rowsync/internal/rowmodel"
)

// MaxNodeID is the highest assignable node id; 0 is reserved for the
// server itself.
const MaxNodeID = rowmodel.MaxNodeID

// Registry persists the device_key -> node_id binding in a
// node_registry table.
type Registry struct {
	db *sql.DB
}

// New wraps db for node registration. Init must be called once before use.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Init creates the node_registry table if absent.
func (r *Registry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS node_registry (
		device_key TEXT PRIMARY KEY,
		node_id INTEGER NOT NULL UNIQUE
	)`)
	if err != nil {
		return appErrors.Wrap(appErrors.ErrMigration, "failed to initialize node_registry table", err)
	}
	return nil
}

// Register returns deviceKey's existing node_id if already bound, or
// allocates the smallest free id in 1..MaxNodeID and persists the
// binding. Idempotent: repeated calls with the same device_key return
// the same node_id.
func (r *Registry) Register(ctx context.Context, deviceKey string) (uint16, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, appErrors.Wrap(appErrors.ErrDatabase, "failed to begin registration transaction", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT node_id FROM node_registry WHERE device_key = ?`, deviceKey).Scan(&existing)
	if err == nil {
		return uint16(existing), nil
	}
	if err != sql.ErrNoRows {
		return 0, appErrors.Wrap(appErrors.ErrDatabase, "failed to look up device_key", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT node_id FROM node_registry ORDER BY node_id`)
	if err != nil {
		return 0, appErrors.Wrap(appErrors.ErrDatabase, "failed to list used node ids", err)
	}
	used := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, appErrors.Wrap(appErrors.ErrDatabase, "failed to scan node_id", err)
		}
		used[id] = true
	}
	rows.Close()

	var candidate int64 = -1
	for i := int64(1); i <= int64(MaxNodeID); i++ {
		if !used[i] {
			candidate = i
			break
		}
	}
	if candidate == -1 {
		return 0, appErrors.RegistryExhausted()
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO node_registry (device_key, node_id) VALUES (?, ?)`, deviceKey, candidate); err != nil {
		return 0, appErrors.Wrap(appErrors.ErrConstraint, "failed to persist node_id binding", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, appErrors.Wrap(appErrors.ErrDatabase, "failed to commit registration", err)
	}
	return uint16(candidate), nil
}
