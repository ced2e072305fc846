// Package backend provides byte-addressable blob stores keyed by
// slash-separated path strings. Implementations report absence with
// ErrNotFound so callers branch with errors.Is instead of matching
// error text.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound marks a path the backend does not hold. Wrap it with
// fmt.Errorf("...: %w", ErrNotFound) so errors.Is still matches.
var ErrNotFound = errors.New("not found")

// Entry is one item from a recursive listing.
type Entry struct {
	// Path is relative to the listed directory, slash-separated.
	Path  string
	IsDir bool
}

// Backend is a byte-addressable blob store.
type Backend interface {
	// Get returns the contents at path, or an ErrNotFound-wrapped
	// error when the path is absent.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put writes data at path, creating parent directories as needed.
	Put(ctx context.Context, path string, data []byte) error

	// Delete removes path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// List recursively lists entries under dir, paths relative to dir.
	// An absent dir yields an ErrNotFound-wrapped error.
	List(ctx context.Context, dir string) ([]Entry, error)
}

// BatchPutter is implemented by backends that can transfer many files
// as one operation, shrinking the window in which some files exist
// remotely without the rest.
type BatchPutter interface {
	PutBatch(ctx context.Context, files map[string][]byte) error
}

// IsNotFound reports whether err signals structured absence.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
