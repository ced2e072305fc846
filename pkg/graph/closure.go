// Package graph computes object-graph closures: which objects a push
// must upload and which objects a fetch must download. Both walks use
// an explicit frontier instead of call-stack recursion, since object
// graphs can be arbitrarily deep.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/odvcencio/git-remote-blob/pkg/gitobj"
)

// DefaultWorkers bounds transfer concurrency inside one fetch batch.
const DefaultWorkers = 4

// LocalSource yields the reference edges of objects in the local
// database.
type LocalSource interface {
	ReferencedObjects(ctx context.Context, h gitobj.Hash) ([]gitobj.Hash, error)
}

// RemoteSource reads raw loose-object bytes from the remote store.
type RemoteSource interface {
	GetObject(ctx context.Context, h gitobj.Hash) ([]byte, error)
}

// LocalSink stores verified loose-object bytes locally.
type LocalSink interface {
	WriteLooseObject(ctx context.Context, raw []byte) (gitobj.Hash, error)
}

// IntegrityError reports a fetched object whose bytes hash to
// something other than the identity it was requested under. Never
// absorbed: a corrupt remote must not leak into the local database.
type IntegrityError struct {
	Want gitobj.Hash
	Got  gitobj.Hash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("object %s: hash mismatch (content hashes to %s)", e.Want, e.Got)
}

// ObjectsToUpload returns every hash reachable from root that is not
// reachable through a member of present. A present object implies its
// whole subgraph is already remote (content-addressed objects are
// immutable), so those subtrees are pruned without being walked. Each
// hash appears exactly once, in discovery order.
func ObjectsToUpload(ctx context.Context, local LocalSource, root gitobj.Hash, present map[gitobj.Hash]struct{}) ([]gitobj.Hash, error) {
	seen := make(map[gitobj.Hash]struct{})
	var out []gitobj.Hash

	stack := []gitobj.Hash{root}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		if _, ok := present[h]; ok {
			continue
		}
		out = append(out, h)

		refs, err := local.ReferencedObjects(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("push closure at %s: %w", h, err)
		}
		stack = append(stack, refs...)
	}
	return out, nil
}

// fetchResult carries one downloaded object's outgoing edges back to
// the coordinator.
type fetchResult struct {
	refs []gitobj.Hash
	err  error
}

// FetchAll downloads the full closure of root from src into sink,
// verifying every object's bytes against its claimed hash. Downloads
// run on a bounded worker pool; the seen set lives with the
// coordinator, so no object is fetched twice and reference cycles
// terminate. The first failure aborts the walk.
func FetchAll(ctx context.Context, src RemoteSource, sink LocalSink, root gitobj.Hash, workers int) error {
	if workers < 1 {
		workers = DefaultWorkers
	}

	work := make(chan gitobj.Hash)
	results := make(chan fetchResult)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range work {
				refs, err := fetchOne(ctx, src, sink, h)
				results <- fetchResult{refs: refs, err: err}
			}
		}()
	}
	defer func() {
		close(work)
		go func() {
			// Unblock workers mid-send; their results are discarded.
			for range results {
			}
		}()
		wg.Wait()
		close(results)
	}()

	seen := map[gitobj.Hash]struct{}{root: {}}
	stack := []gitobj.Hash{root}
	inflight := 0
	var firstErr error
	done := ctx.Done()

	for len(stack) > 0 || inflight > 0 {
		var send chan gitobj.Hash
		var next gitobj.Hash
		if len(stack) > 0 && firstErr == nil {
			send = work
			next = stack[len(stack)-1]
		}

		select {
		case send <- next:
			stack = stack[:len(stack)-1]
			inflight++
		case res := <-results:
			inflight--
			if res.err != nil {
				if firstErr == nil {
					firstErr = res.err
				}
				stack = nil
				continue
			}
			if firstErr != nil {
				continue
			}
			for _, r := range res.refs {
				if r == "" {
					continue
				}
				if _, ok := seen[r]; ok {
					continue
				}
				seen[r] = struct{}{}
				stack = append(stack, r)
			}
		case <-done:
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			stack = nil
			done = nil
		}
	}
	return firstErr
}

// fetchOne downloads, verifies, and stores a single object, returning
// the hashes it references.
func fetchOne(ctx context.Context, src RemoteSource, sink LocalSink, h gitobj.Hash) ([]gitobj.Hash, error) {
	raw, err := src.GetObject(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", h, err)
	}
	if got := gitobj.HashRaw(raw); got != h {
		return nil, &IntegrityError{Want: h, Got: got}
	}
	obj, err := gitobj.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", h, err)
	}
	if _, err := sink.WriteLooseObject(ctx, raw); err != nil {
		return nil, fmt.Errorf("fetch %s: store: %w", h, err)
	}
	return gitobj.ReferencedHashes(obj.Kind, obj.Data)
}
