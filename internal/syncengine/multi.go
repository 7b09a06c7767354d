package syncengine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Peer names one Engine to drive within a SyncAll fan-out, so callers can
// tell results apart without threading their own indexing scheme through.
type Peer struct {
	Name   string
	Engine *Engine
}

// PeerResult pairs a Peer's name with the outcome of its PullThenPush call.
type PeerResult struct {
	Name   string
	Result Result
	Err    error
}

// SyncAll runs PullThenPush against every peer concurrently and waits for
// all of them to finish, mirroring a node that replicates with several
// peers in one session rather than serially. Unlike errgroup's usual
// fail-fast short-circuit, a failure against one peer does not cancel the
// others: each peer's own error is carried in its PeerResult so a partial
// failure never hides a sync that otherwise succeeded.
func SyncAll(ctx context.Context, peers []Peer) []PeerResult {
	results := make([]PeerResult, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			res, err := p.Engine.PullThenPush(gctx)
			results[i] = PeerResult{Name: p.Name, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
