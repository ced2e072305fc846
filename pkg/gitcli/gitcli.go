// Package gitcli reads the host repository's object database by
// shelling out to the git binary. The helper only ever reads local
// objects and answers ancestry queries this way; fetched objects are
// written directly as loose files under GIT_DIR/objects.
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/odvcencio/git-remote-blob/pkg/gitobj"
	"github.com/odvcencio/git-remote-blob/pkg/store"
)

// Git runs git commands against one local repository.
type Git struct {
	// WorkDir is the directory git commands run in, "" for the
	// process working directory.
	WorkDir string
	gitDir  string
}

// Open locates the repository's git directory. git sets GIT_DIR when
// invoking a remote helper; rev-parse is the fallback for direct runs.
func Open(ctx context.Context, workDir string) (*Git, error) {
	g := &Git{WorkDir: workDir}
	if dir := strings.TrimSpace(os.Getenv("GIT_DIR")); dir != "" {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, dir)
		}
		g.gitDir = dir
		return g, nil
	}
	out, err := g.run(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return nil, fmt.Errorf("locate git dir: %w", err)
	}
	g.gitDir = strings.TrimSpace(string(out))
	return g, nil
}

func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}

// Resolve turns a ref name (or any rev-parse expression) into a hash.
func (g *Git) Resolve(ctx context.Context, ref string) (gitobj.Hash, error) {
	out, err := g.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	h := gitobj.Hash(strings.TrimSpace(string(out)))
	if err := gitobj.ValidateHash(h); err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return h, nil
}

// SymbolicRef reads a local symbolic ref, e.g. HEAD -> refs/heads/main.
func (g *Git) SymbolicRef(ctx context.Context, name string) (string, error) {
	out, err := g.run(ctx, "symbolic-ref", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsAncestor reports whether a is an ancestor of b. A false answer is
// the exit-status-1 outcome of merge-base, not an error.
func (g *Git) IsAncestor(ctx context.Context, a, b gitobj.Hash) (bool, error) {
	_, err := g.run(ctx, "merge-base", "--is-ancestor", string(a), string(b))
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// kind reads an object's type from the local database.
func (g *Git) kind(ctx context.Context, h gitobj.Hash) (gitobj.Kind, error) {
	out, err := g.run(ctx, "cat-file", "-t", string(h))
	if err != nil {
		return "", err
	}
	k := gitobj.Kind(strings.TrimSpace(string(out)))
	if !gitobj.ValidKind(k) {
		return "", fmt.Errorf("object %s: unknown kind %q", h, k)
	}
	return k, nil
}

// EncodeObject reads a local object and re-encodes its loose form
// "kind len\0payload".
func (g *Git) EncodeObject(ctx context.Context, h gitobj.Hash) ([]byte, error) {
	k, err := g.kind(ctx, h)
	if err != nil {
		return nil, err
	}
	payload, err := g.run(ctx, "cat-file", string(k), string(h))
	if err != nil {
		return nil, err
	}
	return gitobj.Encode(&gitobj.Object{Kind: k, Data: payload}), nil
}

// ReferencedObjects returns the hashes a local object points at.
func (g *Git) ReferencedObjects(ctx context.Context, h gitobj.Hash) ([]gitobj.Hash, error) {
	k, err := g.kind(ctx, h)
	if err != nil {
		return nil, err
	}
	payload, err := g.run(ctx, "cat-file", string(k), string(h))
	if err != nil {
		return nil, err
	}
	return gitobj.ReferencedHashes(k, payload)
}

// HasObject reports whether the local database holds h.
func (g *Git) HasObject(ctx context.Context, h gitobj.Hash) bool {
	_, err := g.run(ctx, "cat-file", "-e", string(h))
	return err == nil
}

// WriteLooseObject validates raw loose-object bytes and writes them
// zlib-compressed into GIT_DIR/objects. Existing objects are left
// untouched; writes go through a temp file and rename.
func (g *Git) WriteLooseObject(ctx context.Context, raw []byte) (gitobj.Hash, error) {
	if _, err := gitobj.Decode(raw); err != nil {
		return "", err
	}
	h := gitobj.HashRaw(raw)

	dir := filepath.Join(g.gitDir, "objects", string(h[:2]))
	dest := filepath.Join(dir, string(h[2:]))
	if _, err := os.Stat(dest); err == nil {
		return h, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("write object mkdir: %w", err)
	}

	compressed, err := store.CompressObject(raw)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("write object tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("write object close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("write object rename: %w", err)
	}
	return h, nil
}
