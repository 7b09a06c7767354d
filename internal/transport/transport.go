// Package transport carries ChangeEntries between a client SyncEngine and
// its peer over HTTP, or in-process for tests (InMemoryTransport).
package transport

import (
	"context"

	"rowsync/internal/rowmodel"
)

// Peer is the two-verb contract SyncEngine drives: Pull for the read
// side of a sync, Push for the write side. Implementations are free to
// be HTTP-backed, in-memory, or anything else that can move
// ChangeEntries and report the server's acceptance watermark.
type Peer interface {
	// Pull returns changelog entries with change_id > since, excluding
	// excludeOrigin, capped at limit, ordered by ascending change_id, plus
	// whether more entries remain beyond this page.
	Pull(ctx context.Context, since uint64, excludeOrigin string, limit int) ([]rowmodel.ChangeEntry, bool, error)

	// Push ships entries to the peer and returns the highest change_id
	// the peer durably accepted (which may be less than the last entry
	// sent, on partial rejection).
	Push(ctx context.Context, entries []rowmodel.ChangeEntry) (uint64, error)
}

// NodeRegistrar is the client-facing half of the node registry RPC.
// deviceKey makes registration idempotent across retries and reinstalls.
type NodeRegistrar interface {
	RegisterNode(ctx context.Context, deviceKey string) (uint16, error)
}
