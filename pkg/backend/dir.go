package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Dir is a Backend rooted at a local directory. Used for file://
// remotes and as the in-process backend in tests.
type Dir struct {
	root string
}

// NewDir creates a Dir backend rooted at root. The directory is
// created lazily on first write.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) fullPath(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(p))
}

// Get reads the file at path.
func (d *Dir) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(d.fullPath(path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return data, nil
}

// Put writes data at path atomically via temp + rename.
func (d *Dir) Put(ctx context.Context, path string, data []byte) error {
	dest := d.fullPath(path)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("put %s: mkdir: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("put %s: tmpfile: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("put %s: write: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("put %s: close: %w", path, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("put %s: rename: %w", path, err)
	}
	return nil
}

// PutBatch writes every file; the local filesystem has no cheaper
// grouping than sequential atomic writes.
func (d *Dir) PutBatch(ctx context.Context, files map[string][]byte) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := d.Put(ctx, p, files[p]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes path; absence is not an error.
func (d *Dir) Delete(ctx context.Context, path string) error {
	err := os.Remove(d.fullPath(path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// List recursively lists entries under dir.
func (d *Dir) List(ctx context.Context, dir string) ([]Entry, error) {
	root := d.fullPath(dir)
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, de fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: filepath.ToSlash(rel), IsDir: de.IsDir()})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
