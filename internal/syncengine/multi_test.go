package syncengine

import (
	"context"
	"testing"

	"rowsync/internal/rowmodel"
	"rowsync/internal/transport"
)

func TestSyncAll_runsEveryPeerAndReportsPerPeerOutcome(t *testing.T) {
	a := newTestNode(t, "client")
	b := buildSchema(t)

	idA := rowmodel.NewRowId(1, 9, 1)
	idB := rowmodel.NewRowId(1, 9, 2)

	remoteA := transport.NewInMemoryTransport()
	remoteA.Seed(rowmodel.ChangeEntry{
		Table: "customers", RowID: idA, Op: rowmodel.OpInsert, Version: 1,
		Payload: map[string]any{"id": idA, "name": "Ada"},
	})
	remoteB := transport.NewInMemoryTransport()
	remoteB.Seed(rowmodel.ChangeEntry{
		Table: "customers", RowID: idB, Op: rowmodel.OpInsert, Version: 1,
		Payload: map[string]any{"id": idB, "name": "Grace"},
	})

	engineA := New(remoteA, a.store, a.state, b, Config{PeerID: "peerA", NodeID: a.nodeID})
	engineB := New(remoteB, a.store, a.state, b, Config{PeerID: "peerB", NodeID: a.nodeID})

	results := SyncAll(context.Background(), []Peer{
		{Name: "peerA", Engine: engineA},
		{Name: "peerB", Engine: engineB},
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("peer %s: unexpected error: %v", r.Name, r.Err)
		}
		if r.Result.Pulled != 1 {
			t.Fatalf("peer %s: expected 1 pulled, got %d", r.Name, r.Result.Pulled)
		}
	}
}
