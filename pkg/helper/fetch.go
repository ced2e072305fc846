package helper

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/git-remote-blob/pkg/gitobj"
	"github.com/odvcencio/git-remote-blob/pkg/graph"
)

// runFetchBatch consumes fetch lines until the blank terminator,
// downloading each requested closure into the local repository. The
// batch is acknowledged once, with a single blank line; any failure
// (transport or integrity) is fatal for the whole batch.
func (h *Helper) runFetchBatch(ctx context.Context, first string) error {
	line := first
	for {
		hash, err := parseFetchLine(line)
		if err != nil {
			return err
		}

		h.Session.Tracef(LevelDebug, "fetching closure of %s", hash)
		if err := graph.FetchAll(ctx, h.Store, h.Local, hash, h.Workers); err != nil {
			return fmt.Errorf("fetch %s: %w", hash, err)
		}

		next, ok := h.readLine()
		if !ok {
			return &ProtocolError{Line: "<eof during fetch batch>"}
		}
		if next == "" {
			break
		}
		if !strings.HasPrefix(next, "fetch ") {
			return &ProtocolError{Line: next}
		}
		line = next
	}
	h.writeBlank()
	return nil
}

// parseFetchLine extracts the hash from "fetch <hash> <name>".
func parseFetchLine(line string) (gitobj.Hash, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "fetch" {
		return "", &ProtocolError{Line: line}
	}
	h := gitobj.Hash(fields[1])
	if err := gitobj.ValidateHash(h); err != nil {
		return "", &ProtocolError{Line: line}
	}
	return h, nil
}
