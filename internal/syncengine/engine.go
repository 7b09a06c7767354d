// Package syncengine implements the pull-then-push algorithm that drives
// one sync session against a peer, including conflict resolution of
// individual incoming ChangeEntries.
package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "rowsync/internal/errors"
	"rowsync/internal/logging"
	"rowsync/internal/rowmodel"
	"rowsync/internal/schema"
	"rowsync/internal/transport"
)

// Policy selects how an incoming ChangeEntry is reconciled against the
// local row it targets.
type Policy string

const (
	LastWriteWins Policy = "last_write_wins"
	VersionStrict Policy = "version_strict"
)

// RowStore is the subset of *rowstore.Store the engine drives.
type RowStore interface {
	ApplyUpsert(ctx context.Context, entry rowmodel.ChangeEntry) error
	GetRow(ctx context.Context, table string, id rowmodel.RowId) (map[string]any, error)
	LocalChangesSince(ctx context.Context, since uint64, limit int) ([]rowmodel.ChangeEntry, error)
}

// WatermarkStore is the subset of *syncstate.Store the engine drives.
type WatermarkStore interface {
	Get(ctx context.Context, peerID string) (rowmodel.SyncState, error)
	Advance(ctx context.Context, peerID string, pulled, pushed *uint64) error
}

// Config carries the per-peer knobs of one Engine instance
// (schema/store are supplied via New's other parameters).
type Config struct {
	PeerID    string
	NodeID    string
	Policy    Policy
	BatchSize int
}

// Result reports how many entries moved in each direction of a
// PullThenPush call.
type Result struct {
	Pulled int
	Pushed int
}

// Engine runs the pull-then-push algorithm for a single peer
// relationship. One Engine is driven by one caller at a time; it is not
// itself safe for concurrent PullThenPush calls.
type Engine struct {
	peer   transport.Peer
	store  RowStore
	state  WatermarkStore
	schema *schema.Schema
	cfg    Config
}

// New builds an Engine. cfg.BatchSize defaults to 500 and cfg.Policy
// defaults to LastWriteWins when left zero-valued.
func New(peer transport.Peer, store RowStore, state WatermarkStore, sch *schema.Schema, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Policy == "" {
		cfg.Policy = LastWriteWins
	}
	return &Engine{peer: peer, store: store, state: state, schema: sch, cfg: cfg}
}

// PullThenPush runs one full sync session: pull phase first, then push
// phase. A failure in either phase aborts the remainder and
// returns the counts made before the failure, with watermarks reflecting
// only the entries durably applied/accepted.
func (e *Engine) PullThenPush(ctx context.Context) (Result, error) {
	pulled, err := e.pull(ctx)
	if err != nil {
		return Result{Pulled: pulled}, err
	}
	pushed, err := e.push(ctx)
	if err == nil {
		logging.Info("sync session complete", map[string]interface{}{
			"peer_id": e.cfg.PeerID,
			"policy":  string(e.cfg.Policy),
			"pulled":  pulled,
			"pushed":  pushed,
		})
	}
	return Result{Pulled: pulled, Pushed: pushed}, err
}

// pull repeatedly fetches batches from the peer, applying each entry
// under the configured conflict policy and advancing the pull watermark
// entry-by-entry, stopping once the peer reports no more data.
func (e *Engine) pull(ctx context.Context) (int, error) {
	pulledCount := 0
	for {
		state, err := e.state.Get(ctx, e.cfg.PeerID)
		if err != nil {
			return pulledCount, err
		}

		entries, hasMore, err := e.peer.Pull(ctx, state.LastPulledChangeID, e.cfg.NodeID, e.cfg.BatchSize)
		if err != nil {
			return pulledCount, appErrors.TransportError(err)
		}
		if len(entries) == 0 {
			break
		}

		for _, group := range groupByApplyOrder(entries, e.schema.ApplyOrder()) {
			for _, entry := range group {
				if err := e.applyOne(ctx, entry); err != nil {
					e.logApplyError(entry, err)
					return pulledCount, err
				}
				changeID := entry.ChangeID
				if err := e.state.Advance(ctx, e.cfg.PeerID, &changeID, nil); err != nil {
					return pulledCount, err
				}
				pulledCount++
			}
		}

		logging.Debug("applied pull batch", map[string]interface{}{
			"peer_id": e.cfg.PeerID,
			"count":   len(entries),
		})

		if !hasMore {
			break
		}
	}
	return pulledCount, nil
}

// applyOne reconciles a single incoming entry against the local row it
// targets under the configured policy, then applies (or silently drops)
// it. Returns a *errors.AppError on failure: VersionGap or ApplyFailed,
// or the store's own error when reading the local row fails.
func (e *Engine) applyOne(ctx context.Context, entry rowmodel.ChangeEntry) error {
	return applyEntry(ctx, e.store, e.cfg.Policy, entry)
}

// logApplyError surfaces a failed apply with its machine-readable code,
// so an operator can tell a VersionGap from an FK failure without
// parsing message text.
func (e *Engine) logApplyError(entry rowmodel.ChangeEntry, err error) {
	code := string(appErrors.ErrApplyFailed)
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		code = string(appErr.Code)
	}
	logging.ErrorWithCode("failed to apply pulled change", code, err, map[string]interface{}{
		"peer_id":   e.cfg.PeerID,
		"table":     entry.Table,
		"change_id": entry.ChangeID,
	})
}

// applyEntry reconciles entry against store under policy. Shared by
// Engine's pull phase and ApplyBatch, the symmetric path a server-side
// handler runs against its own row store when accepting a client's push.
func applyEntry(ctx context.Context, store RowStore, policy Policy, entry rowmodel.ChangeEntry) error {
	row, err := store.GetRow(ctx, entry.Table, entry.RowID)
	ghost := errors.Is(err, sql.ErrNoRows)
	if err != nil && !ghost {
		return err
	}

	var currentVersion uint64
	var currentUpdatedAt time.Time
	if !ghost {
		currentVersion = rowVersion(row)
		currentUpdatedAt = rowUpdatedAt(row)
	}

	switch policy {
	case VersionStrict:
		var required uint64 = 1
		if !ghost {
			required = currentVersion + 1
		}
		if entry.Version != required {
			return appErrors.VersionGap(entry.Table, entry.ChangeID)
		}
	default:
		if !ghost && !acceptLastWriteWins(currentVersion, currentUpdatedAt, entry.Version, entry.UpdatedAt) {
			return nil
		}
	}

	if err := store.ApplyUpsert(ctx, entry); err != nil {
		return appErrors.ApplyFailed(entry.Table, entry.ChangeID, err)
	}
	return nil
}

// ApplyBatch applies entries to store under policy, grouped by sch's
// apply order, stopping at the first failure. It returns the highest
// change_id successfully applied; on a partial failure, only applied
// change_ids below the lowest one left unapplied count, since apply order
// can run a higher change_id before a lower one from another table.
func ApplyBatch(ctx context.Context, store RowStore, sch *schema.Schema, policy Policy, entries []rowmodel.ChangeEntry) (uint64, error) {
	var highest uint64
	applied := make(map[uint64]bool, len(entries))
	for _, group := range groupByApplyOrder(entries, sch.ApplyOrder()) {
		for _, entry := range group {
			if err := applyEntry(ctx, store, policy, entry); err != nil {
				lowest := entry.ChangeID
				for _, e := range entries {
					if !applied[e.ChangeID] && e.ChangeID < lowest {
						lowest = e.ChangeID
					}
				}
				var reported uint64
				for id := range applied {
					if id < lowest && id > reported {
						reported = id
					}
				}
				return reported, err
			}
			applied[entry.ChangeID] = true
			if entry.ChangeID > highest {
				highest = entry.ChangeID
			}
		}
	}
	return highest, nil
}

// push ships this node's own unshipped changelog entries to the peer in
// batches, advancing the push watermark to whatever the peer confirms.
func (e *Engine) push(ctx context.Context) (int, error) {
	state, err := e.state.Get(ctx, e.cfg.PeerID)
	if err != nil {
		return 0, err
	}
	since := state.LastPushedChangeID
	pushedCount := 0
	for {
		entries, err := e.store.LocalChangesSince(ctx, since, e.cfg.BatchSize)
		if err != nil {
			return pushedCount, err
		}
		if len(entries) == 0 {
			break
		}

		highest, err := e.peer.Push(ctx, entries)
		if err != nil {
			return pushedCount, appErrors.TransportError(err)
		}

		for _, entry := range entries {
			if entry.ChangeID <= highest {
				pushedCount++
			}
		}

		if highest <= since {
			// Peer accepted nothing new; stop rather than re-ship forever.
			break
		}
		since = highest
		if err := e.state.Advance(ctx, e.cfg.PeerID, nil, &since); err != nil {
			return pushedCount, err
		}
		logging.Debug("pushed changes", map[string]interface{}{
			"peer_id":          e.cfg.PeerID,
			"highest_accepted": highest,
		})

		if len(entries) < e.cfg.BatchSize {
			break
		}
	}
	return pushedCount, nil
}

// acceptLastWriteWins reports whether an incoming (version, updated_at)
// pair outranks the current row's under lexicographic compare.
func acceptLastWriteWins(rVersion uint64, rUpdatedAt time.Time, eVersion uint64, eUpdatedAt time.Time) bool {
	if eVersion != rVersion {
		return eVersion > rVersion
	}
	return eUpdatedAt.After(rUpdatedAt)
}

// groupByApplyOrder buckets entries by table, preserving each table's
// relative entry order, then orders the buckets per schema apply order
// (parents first). Tables absent from the schema (unregistered entities)
// are appended afterward in first-seen order.
func groupByApplyOrder(entries []rowmodel.ChangeEntry, order []string) [][]rowmodel.ChangeEntry {
	byTable := make(map[string][]rowmodel.ChangeEntry)
	var tablesSeen []string
	for _, e := range entries {
		if _, ok := byTable[e.Table]; !ok {
			tablesSeen = append(tablesSeen, e.Table)
		}
		byTable[e.Table] = append(byTable[e.Table], e)
	}

	used := make(map[string]bool, len(tablesSeen))
	var groups [][]rowmodel.ChangeEntry
	for _, t := range order {
		if g, ok := byTable[t]; ok {
			groups = append(groups, g)
			used[t] = true
		}
	}
	for _, t := range tablesSeen {
		if !used[t] {
			groups = append(groups, byTable[t])
			used[t] = true
		}
	}
	return groups
}

func rowVersion(row map[string]any) uint64 {
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

func rowUpdatedAt(row map[string]any) time.Time {
	switch v := row["updated_at"].(type) {
	case time.Time:
		return v
	case string:
		t, _ := time.Parse(time.RFC3339Nano, v)
		return t
	case []byte:
		t, _ := time.Parse(time.RFC3339Nano, string(v))
		return t
	default:
		return time.Time{}
	}
}
