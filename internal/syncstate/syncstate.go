// Package syncstate persists per-peer pull/push watermarks: the highest
// change_id each direction of a sync relationship has confirmed handled.
package syncstate

import (
	"context"
	"database/sql"

	appErrors "rowsync/internal/errors"
	"rowsync/internal/rowmodel"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so Store can run
// inline with the caller's sync transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store reads and advances SyncState rows in the sync_state table.
type Store struct {
	q querier
}

// New wraps a *sql.DB or *sql.Tx for watermark access.
func New(q querier) *Store {
	return &Store{q: q}
}

// Get returns peerID's watermark pair, or a zero-valued SyncState if no
// row exists yet.
func (s *Store) Get(ctx context.Context, peerID string) (rowmodel.SyncState, error) {
	var state rowmodel.SyncState
	state.PeerID = peerID

	row := s.q.QueryRowContext(ctx,
		`SELECT last_pulled_change_id, last_pushed_change_id FROM sync_state WHERE peer_id = ?`, peerID)
	err := row.Scan(&state.LastPulledChangeID, &state.LastPushedChangeID)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return rowmodel.SyncState{}, appErrors.Wrap(appErrors.ErrDatabase, "failed to read sync state", err)
	}
	return state, nil
}

// Advance updates only the watermark(s) that are non-nil, creating
// peerID's row if absent. Watermarks never decrease: Advance takes the
// max of the stored and proposed value for each non-nil argument.
func (s *Store) Advance(ctx context.Context, peerID string, pulled, pushed *uint64) error {
	current, err := s.Get(ctx, peerID)
	if err != nil {
		return err
	}

	newPulled := current.LastPulledChangeID
	if pulled != nil && *pulled > newPulled {
		newPulled = *pulled
	}
	newPushed := current.LastPushedChangeID
	if pushed != nil && *pushed > newPushed {
		newPushed = *pushed
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO sync_state (peer_id, last_pulled_change_id, last_pushed_change_id)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_pulled_change_id = excluded.last_pulled_change_id,
			last_pushed_change_id = excluded.last_pushed_change_id`,
		peerID, int64(newPulled), int64(newPushed))
	if err != nil {
		return appErrors.Wrap(appErrors.ErrDatabase, "failed to advance sync state", err)
	}
	return nil
}
