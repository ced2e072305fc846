package gitobj

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// ReferencedHashes returns the hashes an object's payload points at:
// a commit references its tree and parents, a tag its target, a tree
// its entries. Blobs reference nothing.
func ReferencedHashes(kind Kind, payload []byte) ([]Hash, error) {
	switch kind {
	case KindBlob:
		return nil, nil
	case KindCommit:
		return commitRefs(payload)
	case KindTag:
		return tagRefs(payload)
	case KindTree:
		return treeRefs(payload)
	default:
		return nil, fmt.Errorf("unsupported object kind %q", kind)
	}
}

// commitRefs parses the commit header lines up to the first blank line
// and collects the "tree" and "parent" fields.
func commitRefs(payload []byte) ([]Hash, error) {
	header := payload
	if idx := bytes.Index(payload, []byte("\n\n")); idx >= 0 {
		header = payload[:idx]
	}

	var refs []Hash
	for _, line := range strings.Split(string(header), "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch key {
		case "tree", "parent":
			h := Hash(strings.TrimSpace(val))
			if err := ValidateHash(h); err != nil {
				return nil, fmt.Errorf("commit %s field: %w", key, err)
			}
			refs = append(refs, h)
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("commit has no tree header")
	}
	return refs, nil
}

// tagRefs extracts the "object" header of an annotated tag.
func tagRefs(payload []byte) ([]Hash, error) {
	header := payload
	if idx := bytes.Index(payload, []byte("\n\n")); idx >= 0 {
		header = payload[:idx]
	}
	for _, line := range strings.Split(string(header), "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok || key != "object" {
			continue
		}
		h := Hash(strings.TrimSpace(val))
		if err := ValidateHash(h); err != nil {
			return nil, fmt.Errorf("tag object field: %w", err)
		}
		return []Hash{h}, nil
	}
	return nil, fmt.Errorf("tag has no object header")
}

// treeRefs walks the binary tree payload: repeated entries of
// "<mode> <name>\0" followed by a 20-byte digest.
func treeRefs(payload []byte) ([]Hash, error) {
	var refs []Hash
	rest := payload
	for len(rest) > 0 {
		nulIdx := bytes.IndexByte(rest, 0)
		if nulIdx < 0 {
			return nil, fmt.Errorf("tree entry missing NUL terminator")
		}
		if len(rest) < nulIdx+1+20 {
			return nil, fmt.Errorf("tree entry truncated digest")
		}
		digest := rest[nulIdx+1 : nulIdx+1+20]
		refs = append(refs, Hash(hex.EncodeToString(digest)))
		rest = rest[nulIdx+1+20:]
	}
	return refs, nil
}
