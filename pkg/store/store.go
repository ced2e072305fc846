// Package store maps object hashes and ref names onto paths in a blob
// backend. It holds no mutable state of its own; every operation is a
// pure translation onto backend calls.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/git-remote-blob/pkg/backend"
	"github.com/odvcencio/git-remote-blob/pkg/gitobj"
)

const symbolicPrefix = "ref: "

// Store addresses one remote repository: a path prefix inside the
// backend owning a ref namespace and a fan-out object namespace.
type Store struct {
	backend backend.Backend
	prefix  string
}

// New creates a Store for the repository at prefix inside b.
func New(b backend.Backend, prefix string) *Store {
	return &Store{backend: b, prefix: strings.Trim(prefix, "/")}
}

// Backend exposes the underlying blob backend, used by the push path
// to detect batch-transfer support.
func (s *Store) Backend() backend.Backend { return s.backend }

// ObjectPath returns the backend path for an object hash, sharded by
// the first two hash characters: <prefix>/objects/ab/cdef…
func (s *Store) ObjectPath(h gitobj.Hash) string {
	return path.Join(s.prefix, "objects", string(h[:2]), string(h[2:]))
}

// RefPath returns the backend path for a ref name. Ref names must
// start with "refs/"; HEAD and other top-level symbolic slots go
// through SymbolicPath.
func (s *Store) RefPath(name string) (string, error) {
	if !strings.HasPrefix(name, "refs/") {
		return "", fmt.Errorf("invalid ref name %q", name)
	}
	return path.Join(s.prefix, name), nil
}

// SymbolicPath returns the backend path for a top-level slot like HEAD.
func (s *Store) SymbolicPath(name string) string {
	return path.Join(s.prefix, name)
}

// CompressObject renders the stored form of loose-object bytes. The
// remote holds zlib-compressed loose objects, bit-compatible with the
// files under a .git/objects directory.
func CompressObject(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, fmt.Errorf("compress object: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress object: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressObject is the inverse of CompressObject.
func DecompressObject(stored []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("decompress object: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress object: %w", err)
	}
	return raw, nil
}

// GetObject fetches and decompresses one object's loose bytes.
// Absence surfaces as a backend.ErrNotFound-wrapped error.
func (s *Store) GetObject(ctx context.Context, h gitobj.Hash) ([]byte, error) {
	stored, err := s.backend.Get(ctx, s.ObjectPath(h))
	if err != nil {
		return nil, err
	}
	return DecompressObject(stored)
}

// PutObject compresses and writes one object's loose bytes.
func (s *Store) PutObject(ctx context.Context, h gitobj.Hash, raw []byte) error {
	stored, err := CompressObject(raw)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, s.ObjectPath(h), stored)
}

// Ref is one resolved listing entry.
type Ref struct {
	Hash gitobj.Hash
	Name string
}

// ListRefs lists every ref under the ref namespace and resolves each
// to its hash. An absent namespace is an empty listing when forPush is
// true (first push to an empty repository) and an error otherwise. A
// single ref vanishing between listing and read is skipped rather
// than failing the whole listing.
func (s *Store) ListRefs(ctx context.Context, forPush bool) ([]Ref, error) {
	refsDir := path.Join(s.prefix, "refs")
	entries, err := s.backend.List(ctx, refsDir)
	if err != nil {
		if forPush && backend.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var refs []Ref
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		data, err := s.backend.Get(ctx, path.Join(refsDir, e.Path))
		if err != nil {
			if backend.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		refs = append(refs, Ref{
			Hash: gitobj.Hash(strings.TrimSpace(string(data))),
			Name: path.Join("refs", e.Path),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// GetRef reads one ref's hash. Absence surfaces as backend.ErrNotFound.
func (s *Store) GetRef(ctx context.Context, name string) (gitobj.Hash, error) {
	p, err := s.RefPath(name)
	if err != nil {
		return "", err
	}
	data, err := s.backend.Get(ctx, p)
	if err != nil {
		return "", err
	}
	return gitobj.Hash(strings.TrimSpace(string(data))), nil
}

// PutRef writes one ref's hash.
func (s *Store) PutRef(ctx context.Context, name string, h gitobj.Hash) error {
	p, err := s.RefPath(name)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, p, RefContent(h))
}

// RefContent renders the stored form of a ref file.
func RefContent(h gitobj.Hash) []byte {
	return []byte(string(h) + "\n")
}

// DeleteRef removes one ref; deleting an absent ref is a success.
func (s *Store) DeleteRef(ctx context.Context, name string) error {
	p, err := s.RefPath(name)
	if err != nil {
		return err
	}
	return s.backend.Delete(ctx, p)
}

// ReadSymbolic reads a symbolic slot like HEAD and returns its target
// ref name. A plain hash stored in the slot is returned as-is.
func (s *Store) ReadSymbolic(ctx context.Context, name string) (string, error) {
	data, err := s.backend.Get(ctx, s.SymbolicPath(name))
	if err != nil {
		return "", err
	}
	target := strings.TrimSpace(string(data))
	target = strings.TrimPrefix(target, symbolicPrefix)
	return target, nil
}

// WriteSymbolic points a symbolic slot at target.
func (s *Store) WriteSymbolic(ctx context.Context, name, target string) error {
	content := fmt.Sprintf("%s%s\n", symbolicPrefix, target)
	return s.backend.Put(ctx, s.SymbolicPath(name), []byte(content))
}
