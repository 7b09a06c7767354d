package rowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rowsync/internal/capture"
	appErrors "rowsync/internal/errors"
	"rowsync/internal/rowmodel"
)

// Store is the generic row store the sync engine operates on: mirrored
// entities are plain `map[string]any` rows, introspected via
// PRAGMA table_info rather than mapped through per-entity Go structs, so
// the same store code serves any registered entity.
type Store struct {
	db     *DB
	nodeID string
	hooks  *capture.Hooks
}

// NewStore constructs a Store. nodeID tags every locally-authored
// ChangeEntry's origin_node_id. nextID is consulted by capture's
// before-insert hook when a row arrives without an id.
func NewStore(db *DB, nodeID string, nextID capture.NextIDFunc) *Store {
	s := &Store{db: db, nodeID: nodeID}
	s.hooks = capture.DefaultHooks(nextID, s.appendChangeEntry)
	return s
}

// Init creates the engine-managed sync_changelog and sync_state tables.
// Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_changelog (
			change_id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			row_id INTEGER NOT NULL,
			op TEXT NOT NULL,
			payload TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			origin_node_id TEXT NOT NULL,
			captured_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_changelog_change_id ON sync_changelog(change_id)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			peer_id TEXT PRIMARY KEY,
			last_pulled_change_id INTEGER NOT NULL DEFAULT 0,
			last_pushed_change_id INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return appErrors.Wrap(appErrors.ErrMigration, "failed to initialize sync tables", err)
		}
	}
	return nil
}

// TableColumns returns table's columns in declared order via
// PRAGMA table_info, the generic substitute for a compiled entity schema.
func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, appErrors.Wrap(appErrors.ErrDatabase, "failed to introspect table", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, appErrors.Wrap(appErrors.ErrDatabase, "failed to scan table_info row", err)
		}
		cols = append(cols, name)
	}
	return cols, nil
}

// Insert inserts a new row into table. row must contain its domain
// columns; capture.BeforeInsert fills in id and deleted_at if absent and
// always sets version to 1 and updated_at to now (all four are trusted
// as-is under a capture-suppressed sync-apply context).
func (s *Store) Insert(ctx context.Context, table string, row map[string]any) (rowmodel.RowId, error) {
	resolved, err := s.hooks.BeforeInsert(ctx, row)
	if err != nil {
		return 0, err
	}

	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, appErrors.Wrap(appErrors.ErrDatabase, "failed to begin insert transaction", err)
	}
	defer tx.Rollback()

	var names []string
	var placeholders []string
	var args []any
	for _, col := range cols {
		v, ok := resolved[col]
		if !ok {
			continue
		}
		names = append(names, quoteIdent(col))
		placeholders = append(placeholders, "?")
		args = append(args, toDriverValue(v))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, appErrors.Wrap(appErrors.ErrConstraint, "insert failed", err)
	}

	id := rowIDOf(resolved)

	entry := rowmodel.ChangeEntry{
		Table:        table,
		RowID:        id,
		Op:           rowmodel.OpInsert,
		Payload:      resolved,
		Version:      versionOf(resolved),
		UpdatedAt:    timeOf(resolved["updated_at"]),
		OriginNodeID: s.entryOrigin(ctx),
		CapturedAt:   time.Now().UTC(),
	}
	if err := s.hooks.AfterWrite(ctx, tx, entry); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, appErrors.Wrap(appErrors.ErrDatabase, "failed to commit insert", err)
	}
	return id, nil
}

// GetRow fetches table's row by id as a generic column-name-to-value map.
// Returns sql.ErrNoRows (unwrapped) when absent, matching the "ghost row"
// contract the conflict policies rely on.
func (s *Store) GetRow(ctx context.Context, table string, id rowmodel.RowId) (map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE id = ?", quoteIdent(table))
	rows, err := s.db.QueryContext(ctx, query, int64(id))
	if err != nil {
		return nil, appErrors.Wrap(appErrors.ErrDatabase, "failed to query row", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	row, err := scanRowToMap(rows)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Update applies changes to table's row identified by id. changes may be a
// partial (local write) or full (sync apply) post-image; missing columns
// are left untouched via pre-image merge. Under a capture-suppressed
// context the write is taken verbatim with no dirty diff or version bump
// (see internal/capture).
func (s *Store) Update(ctx context.Context, table string, id rowmodel.RowId, changes map[string]any) error {
	pre, err := s.GetRow(ctx, table, id)
	if err != nil {
		return err
	}

	post := make(map[string]any, len(pre)+len(changes))
	for k, v := range pre {
		post[k] = v
	}
	for k, v := range changes {
		post[k] = v
	}

	_, meaningful, resolved := s.hooks.BeforeUpdate(ctx, pre, post)

	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return appErrors.Wrap(appErrors.ErrDatabase, "failed to begin update transaction", err)
	}
	defer tx.Rollback()

	var sets []string
	var args []any
	for _, col := range cols {
		if col == "id" {
			continue
		}
		v, ok := resolved[col]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(col)))
		args = append(args, toDriverValue(v))
	}
	args = append(args, int64(id))

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quoteIdent(table), strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return appErrors.Wrap(appErrors.ErrConstraint, "update failed", err)
	}

	_, suppressed := capture.SuppressedOrigin(ctx)
	if meaningful || suppressed {
		op := rowmodel.OpUpdate
		if resolved["deleted_at"] != nil {
			op = rowmodel.OpDelete
		}
		entry := rowmodel.ChangeEntry{
			Table:        table,
			RowID:        id,
			Op:           op,
			Payload:      resolved,
			Version:      versionOf(resolved),
			UpdatedAt:    timeOf(resolved["updated_at"]),
			OriginNodeID: s.entryOrigin(ctx),
			CapturedAt:   time.Now().UTC(),
		}
		if err := s.hooks.AfterWrite(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(appErrors.ErrDatabase, "failed to commit update", err)
	}
	return nil
}

// ApplyUpsert writes an incoming ChangeEntry under a capture-suppressed
// context tagged with its origin_node_id: the write never authors a new
// locally-originated change, but the incoming entry IS re-logged into
// this database's changelog with its origin preserved, so downstream
// peers pulling from here still receive it. Echo back to the author is
// prevented by the exclude_origin filter on pull and the origin filter
// on push. Used exclusively by internal/syncengine's apply path, after a
// conflict policy has already decided to accept the entry.
func (s *Store) ApplyUpsert(ctx context.Context, entry rowmodel.ChangeEntry) error {
	ctx = capture.Suppress(ctx, entry.OriginNodeID)

	// Route on the row's actual presence rather than entry.Op: a replayed
	// INSERT over a row that already exists becomes an update instead of
	// a primary-key violation.
	_, err := s.GetRow(ctx, entry.Table, entry.RowID)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.Insert(ctx, entry.Table, entry.Payload)
		return err
	}
	if err != nil {
		return err
	}
	return s.Update(ctx, entry.Table, entry.RowID, entry.Payload)
}

// appendChangeEntry inserts entry into sync_changelog within tx; the
// table assigns its change_id.
func (s *Store) appendChangeEntry(ctx context.Context, tx *sql.Tx, entry rowmodel.ChangeEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return appErrors.Wrap(appErrors.ErrSerialization, "failed to encode changelog payload", err)
	}

	query := `INSERT INTO sync_changelog
		(table_name, row_id, op, payload, version, updated_at, origin_node_id, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		entry.Table, int64(entry.RowID), string(entry.Op), string(payload),
		int64(entry.Version), entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
		entry.OriginNodeID, entry.CapturedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return appErrors.Wrap(appErrors.ErrDatabase, "failed to append changelog entry", err)
	}
	return nil
}

// ChangesSince returns up to limit changelog entries with change_id >
// since, excluding entries authored by excludeOrigin, ordered by
// ascending change_id. hasMore reports whether more entries exist beyond
// the returned page.
func (s *Store) ChangesSince(ctx context.Context, since uint64, excludeOrigin string, limit int) ([]rowmodel.ChangeEntry, bool, error) {
	query := `SELECT change_id, table_name, row_id, op, payload, version, updated_at, origin_node_id, captured_at
		FROM sync_changelog
		WHERE change_id > ? AND origin_node_id != ?
		ORDER BY change_id ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, int64(since), excludeOrigin, limit+1)
	if err != nil {
		return nil, false, appErrors.Wrap(appErrors.ErrDatabase, "failed to query changelog", err)
	}
	defer rows.Close()

	var entries []rowmodel.ChangeEntry
	for rows.Next() {
		var (
			changeID                    uint64
			table, op, payload, origin  string
			version                     uint64
			updatedAtStr, capturedAtStr string
			rowID                       uint64
		)
		if err := rows.Scan(&changeID, &table, &rowID, &op, &payload, &version, &updatedAtStr, &origin, &capturedAtStr); err != nil {
			return nil, false, appErrors.Wrap(appErrors.ErrDatabase, "failed to scan changelog row", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			return nil, false, appErrors.Wrap(appErrors.ErrSerialization, "failed to decode changelog payload", err)
		}
		updatedAt, _ := time.Parse(time.RFC3339Nano, updatedAtStr)
		capturedAt, _ := time.Parse(time.RFC3339Nano, capturedAtStr)
		entries = append(entries, rowmodel.ChangeEntry{
			ChangeID:     changeID,
			Table:        table,
			RowID:        rowmodel.RowId(rowID),
			Op:           rowmodel.ChangeOp(op),
			Payload:      decoded,
			Version:      version,
			UpdatedAt:    updatedAt,
			OriginNodeID: origin,
			CapturedAt:   capturedAt,
		})
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return entries, hasMore, nil
}

// LocalChangesSince returns this node's own changelog entries with
// change_id > since, for the push phase (origin_node_id == local node).
func (s *Store) LocalChangesSince(ctx context.Context, since uint64, limit int) ([]rowmodel.ChangeEntry, error) {
	query := `SELECT change_id, table_name, row_id, op, payload, version, updated_at, origin_node_id, captured_at
		FROM sync_changelog
		WHERE change_id > ? AND origin_node_id = ?
		ORDER BY change_id ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, int64(since), s.nodeID, limit)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.ErrDatabase, "failed to query local changelog", err)
	}
	defer rows.Close()

	var entries []rowmodel.ChangeEntry
	for rows.Next() {
		var (
			changeID                    uint64
			table, op, payload, origin  string
			version                     uint64
			updatedAtStr, capturedAtStr string
			rowID                       uint64
		)
		if err := rows.Scan(&changeID, &table, &rowID, &op, &payload, &version, &updatedAtStr, &origin, &capturedAtStr); err != nil {
			return nil, appErrors.Wrap(appErrors.ErrDatabase, "failed to scan changelog row", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			return nil, appErrors.Wrap(appErrors.ErrSerialization, "failed to decode changelog payload", err)
		}
		updatedAt, _ := time.Parse(time.RFC3339Nano, updatedAtStr)
		capturedAt, _ := time.Parse(time.RFC3339Nano, capturedAtStr)
		entries = append(entries, rowmodel.ChangeEntry{
			ChangeID:     changeID,
			Table:        table,
			RowID:        rowmodel.RowId(rowID),
			Op:           rowmodel.ChangeOp(op),
			Payload:      decoded,
			Version:      version,
			UpdatedAt:    updatedAt,
			OriginNodeID: origin,
			CapturedAt:   capturedAt,
		})
	}
	return entries, nil
}

func scanRowToMap(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, appErrors.Wrap(appErrors.ErrDatabase, "failed to read column names", err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, appErrors.Wrap(appErrors.ErrDatabase, "failed to scan row", err)
	}
	out := make(map[string]any, len(cols))
	for i, col := range cols {
		out[col] = values[i]
	}
	return out, nil
}

// entryOrigin returns the origin_node_id a changelog entry written in
// ctx should carry: the incoming entry's origin under a sync apply, this
// node's id for a locally-authored write.
func (s *Store) entryOrigin(ctx context.Context) string {
	if origin, suppressed := capture.SuppressedOrigin(ctx); suppressed {
		return origin
	}
	return s.nodeID
}

// rowIDOf tolerates the id shapes a payload can arrive in: a RowId from
// a local write, or a JSON-decoded string/number from a sync apply.
func rowIDOf(row map[string]any) rowmodel.RowId {
	switch v := row["id"].(type) {
	case rowmodel.RowId:
		return v
	case int64:
		return rowmodel.RowId(v)
	case float64:
		return rowmodel.RowId(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return rowmodel.RowId(n)
	default:
		return 0
	}
}

func versionOf(row map[string]any) uint64 {
	switch v := row["version"].(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	default:
		return 0
	}
}

func timeOf(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, _ := time.Parse(time.RFC3339Nano, t)
		return parsed
	case []byte:
		parsed, _ := time.Parse(time.RFC3339Nano, string(t))
		return parsed
	default:
		return time.Time{}
	}
}

// toDriverValue adapts rowsync-domain types to values the sqlite driver
// accepts: database/sql only supports int64 among integer kinds, so RowId
// and the changelog's uint64 version/counters are narrowed to int64 (safe
// in practice: a RowId's top bit only flips decades from its epoch).
// time.Time is normalized to an RFC3339Nano string so stored timestamps
// round-trip identically regardless of the driver's own time layout.
func toDriverValue(v any) any {
	switch t := v.(type) {
	case rowmodel.RowId:
		return int64(t)
	case uint64:
		return int64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return t
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
