package helper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/odvcencio/git-remote-blob/pkg/backend"
	"github.com/odvcencio/git-remote-blob/pkg/gitobj"
	"github.com/odvcencio/git-remote-blob/pkg/graph"
	"github.com/odvcencio/git-remote-blob/pkg/store"
)

// pushIntent is one parsed "push <src>:<dst>" command line. An empty
// source means ref deletion.
type pushIntent struct {
	src   string
	dst   string
	force bool
}

func parsePushLine(line string) (pushIntent, error) {
	spec := strings.TrimPrefix(line, "push ")
	src, dst, ok := strings.Cut(spec, ":")
	if !ok || dst == "" {
		return pushIntent{}, &ProtocolError{Line: line}
	}
	intent := pushIntent{src: src, dst: dst}
	if strings.HasPrefix(intent.src, "+") {
		intent.src = intent.src[1:]
		intent.force = true
	}
	return intent, nil
}

// runPushBatch consumes push lines until the blank terminator. Per-ref
// replies are buffered and flushed together at batch end; one ref's
// conflict never stops the others.
func (h *Helper) runPushBatch(ctx context.Context, first string) error {
	var replies []string
	headCandidate := ""

	line := first
	for {
		intent, err := parsePushLine(line)
		if err != nil {
			return err
		}

		if intent.src == "" {
			replies = append(replies, h.doDelete(ctx, intent.dst))
		} else {
			reply := h.doPush(ctx, intent)
			replies = append(replies, reply)
			if strings.HasPrefix(reply, "ok ") && h.isHeadCandidate(ctx, intent.src, headCandidate) {
				headCandidate = intent.dst
			}
		}

		next, ok := h.readLine()
		if !ok {
			return &ProtocolError{Line: "<eof during push batch>"}
		}
		if next == "" {
			break
		}
		if !strings.HasPrefix(next, "push ") {
			return &ProtocolError{Line: next}
		}
		line = next
	}

	if h.Session.FirstPush {
		h.Session.FirstPush = false
		h.maybeInitHead(ctx, headCandidate)
	}

	for _, r := range replies {
		h.writeLine(r)
	}
	h.writeBlank()
	return nil
}

// isHeadCandidate mirrors the remote-HEAD selection rule: the first
// successful push is the candidate unless a later one matches the
// local checked-out branch.
func (h *Helper) isHeadCandidate(ctx context.Context, src, current string) bool {
	if current == "" {
		return true
	}
	local, err := h.Local.SymbolicRef(ctx, "HEAD")
	return err == nil && src == local
}

// maybeInitHead sets the remote HEAD after the very first push, but
// only when no remote HEAD exists yet.
func (h *Helper) maybeInitHead(ctx context.Context, candidate string) {
	if candidate == "" {
		h.Session.Tracef(LevelDebug, "first push but no branch to set remote HEAD")
		return
	}
	if _, err := h.Store.ReadSymbolic(ctx, "HEAD"); err == nil {
		return
	} else if !backend.IsNotFound(err) {
		h.Session.Tracef(LevelInfo, "failed to read remote HEAD: %v", err)
		return
	}
	if err := h.Store.WriteSymbolic(ctx, "HEAD", candidate); err != nil {
		h.Session.Tracef(LevelInfo, "failed to set default branch on remote: %v", err)
	}
}

// doDelete removes a remote ref; absence is a success.
func (h *Helper) doDelete(ctx context.Context, dst string) string {
	h.Session.Tracef(LevelDebug, "deleting ref %s", dst)
	if err := h.Store.DeleteRef(ctx, dst); err != nil {
		return fmt.Sprintf("error %s %v", dst, err)
	}
	return fmt.Sprintf("ok %s", dst)
}

// doPush uploads the closure of one ref and updates it. Conflicts and
// transport failures become per-ref error replies; the session goes on.
func (h *Helper) doPush(ctx context.Context, intent pushIntent) string {
	dst := intent.dst

	var current gitobj.Hash
	haveCurrent := false
	switch c, err := h.Store.GetRef(ctx, dst); {
	case err == nil:
		current = c
		haveCurrent = true
	case backend.IsNotFound(err):
		// First push to this ref.
	default:
		return fmt.Sprintf("error %s %v", dst, err)
	}

	newHash, err := h.Local.Resolve(ctx, intent.src)
	if err != nil {
		return fmt.Sprintf("error %s %v", dst, err)
	}

	if haveCurrent && !intent.force {
		ancestor, err := h.Local.IsAncestor(ctx, current, newHash)
		if err != nil {
			// Ancestry unknown (e.g. remote-only history): allow the
			// push rather than wrongly rejecting it.
			h.Session.Tracef(LevelError, "ancestry check failed for %s: %v", dst, err)
		} else if !ancestor {
			return fmt.Sprintf("error %s non-fast-forward", dst)
		}
	}

	present := h.presentSet(ctx)

	closure, err := graph.ObjectsToUpload(ctx, h.Local, newHash, present)
	if err != nil {
		return fmt.Sprintf("error %s %v", dst, err)
	}

	if err := h.transfer(ctx, dst, newHash, closure); err != nil {
		return fmt.Sprintf("error %s %v", dst, err)
	}
	return fmt.Sprintf("ok %s", dst)
}

// presentSet over-approximates remote presence with the top-level
// hashes of every currently listed remote ref: anything reachable from
// a known ref is assumed already present. A listing failure degrades
// to an empty set (more uploads, never missing objects).
func (h *Helper) presentSet(ctx context.Context) map[gitobj.Hash]struct{} {
	present := make(map[gitobj.Hash]struct{})
	refs, err := h.Store.ListRefs(ctx, false)
	if err != nil {
		h.Session.Tracef(LevelDebug, "present set unavailable: %v", err)
		return present
	}
	for _, r := range refs {
		present[r.Hash] = struct{}{}
	}
	return present
}

// transfer writes every closure object plus the destination ref. With
// a batch-capable backend everything is staged and shipped as one
// transfer, shrinking (not eliminating) the window in which objects
// exist without their ref. Otherwise objects upload through a bounded
// worker pool and the ref is written strictly after all of them.
// The compressed closure is held in memory rather than staged to disk,
// trading peak memory proportional to the new objects for fewer
// filesystem round trips; pushes are incremental, so the closure is
// normally small.
func (h *Helper) transfer(ctx context.Context, dst string, newHash gitobj.Hash, closure []gitobj.Hash) error {
	refPath, err := h.Store.RefPath(dst)
	if err != nil {
		return err
	}

	files := make(map[string][]byte, len(closure)+1)
	total := 0
	for _, obj := range closure {
		raw, err := h.Local.EncodeObject(ctx, obj)
		if err != nil {
			return fmt.Errorf("encode %s: %w", obj, err)
		}
		compressed, err := store.CompressObject(raw)
		if err != nil {
			return err
		}
		files[h.Store.ObjectPath(obj)] = compressed
		total += len(compressed)
	}
	h.Session.Tracef(LevelInfo, "pushing %d objects (%s) for %s",
		len(closure), humanize.Bytes(uint64(total)), dst)

	if bp, ok := h.Store.Backend().(backend.BatchPutter); ok {
		files[refPath] = store.RefContent(newHash)
		return bp.PutBatch(ctx, files)
	}

	if err := h.uploadPool(ctx, files); err != nil {
		return err
	}
	return h.Store.PutRef(ctx, dst, newHash)
}

// uploadPool writes files through a bounded worker pool; the first
// failure wins and remaining work is skipped.
func (h *Helper) uploadPool(ctx context.Context, files map[string][]byte) error {
	workers := h.Workers
	if workers < 1 {
		workers = graph.DefaultWorkers
	}

	type item struct {
		path string
		data []byte
	}
	work := make(chan item)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range work {
				mu.Lock()
				failed := firstErr != nil
				mu.Unlock()
				if failed {
					continue
				}
				if err := h.Store.Backend().Put(ctx, it.path, it.data); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}
	for p, data := range files {
		work <- item{path: p, data: data}
	}
	close(work)
	wg.Wait()
	return firstErr
}
