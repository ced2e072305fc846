package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// rclone exit codes, per its documented conventions. Absence is an
// exit status, not error text, so callers never parse stderr.
const (
	rcloneExitDirNotFound  = 3
	rcloneExitFileNotFound = 4
)

// Rclone is a Backend that shells out to the rclone binary. Paths are
// addressed as "<remote>:<path>" where remote is a configured rclone
// remote name.
type Rclone struct {
	// Binary is the rclone executable, "rclone" by default.
	Binary string
	// Remote is the rclone remote name (the part before the colon).
	Remote string
	// ExtraArgs are appended to every rclone invocation.
	ExtraArgs []string
	// MaxAttempts bounds retries of transient failures. Values < 1
	// mean a single attempt.
	MaxAttempts int
	// Trace, when set, receives debug diagnostics (command lines,
	// exit codes).
	Trace func(format string, args ...any)
}

// NewRclone creates an rclone-backed Backend for the given remote name.
func NewRclone(remote string) *Rclone {
	return &Rclone{Binary: "rclone", Remote: remote, MaxAttempts: 3}
}

func (r *Rclone) trace(format string, args ...any) {
	if r.Trace != nil {
		r.Trace(format, args...)
	}
}

func (r *Rclone) binary() string {
	if strings.TrimSpace(r.Binary) == "" {
		return "rclone"
	}
	return r.Binary
}

// remotePath renders "remote:relative/path" the way rclone expects.
func (r *Rclone) remotePath(p string) string {
	rel := strings.TrimPrefix(p, "/")
	return fmt.Sprintf("%s:%s", r.Remote, rel)
}

// run executes one rclone command with exponential-backoff retries on
// transient failures. Not-found exit codes are returned immediately as
// ErrNotFound; they are definitive, not transient.
func (r *Rclone) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	pace := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(pace.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		full := append(append([]string{}, args...), r.ExtraArgs...)
		cmd := exec.CommandContext(ctx, r.binary(), full...)
		if stdin != nil {
			cmd.Stdin = bytes.NewReader(stdin)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		r.trace("rclone command: %s %s", r.binary(), strings.Join(full, " "))
		err := cmd.Run()
		if err == nil {
			return stdout.Bytes(), nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			r.trace("rclone rc=%d stderr: %s", code, truncate(stderr.String(), 1000))
			if code == rcloneExitDirNotFound || code == rcloneExitFileNotFound {
				return nil, fmt.Errorf("rclone %s: %w", args[0], ErrNotFound)
			}
		}
		lastErr = fmt.Errorf("rclone %s: %w (stderr: %s)", args[0], err, truncate(stderr.String(), 1000))
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Get reads path via "rclone cat".
func (r *Rclone) Get(ctx context.Context, path string) ([]byte, error) {
	return r.run(ctx, nil, "cat", r.remotePath(path))
}

// Put writes data at path via "rclone rcat".
func (r *Rclone) Put(ctx context.Context, path string, data []byte) error {
	_, err := r.run(ctx, data, "rcat", r.remotePath(path))
	return err
}

// Delete removes path via "rclone deletefile"; absence is not an error.
func (r *Rclone) Delete(ctx context.Context, path string) error {
	_, err := r.run(ctx, nil, "deletefile", r.remotePath(path))
	if IsNotFound(err) {
		return nil
	}
	return err
}

// lsjsonEntry mirrors the fields of rclone lsjson output we consume.
type lsjsonEntry struct {
	Path  string `json:"Path"`
	IsDir bool   `json:"IsDir"`
}

// List runs "rclone lsjson --recursive" under dir.
func (r *Rclone) List(ctx context.Context, dir string) ([]Entry, error) {
	out, err := r.run(ctx, nil, "lsjson", "--recursive", r.remotePath(dir))
	if err != nil {
		return nil, err
	}
	var raw []lsjsonEntry
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("rclone lsjson: decode: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, Entry{Path: e.Path, IsDir: e.IsDir})
	}
	return entries, nil
}

// PutBatch stages every file into a scratch directory mirroring the
// remote layout and transfers it with one "rclone copy". One transfer
// shrinks, but does not eliminate, the window in which some files
// exist remotely without the rest.
func (r *Rclone) PutBatch(ctx context.Context, files map[string][]byte) error {
	scratch, err := os.MkdirTemp("", "rclone-batch-")
	if err != nil {
		return fmt.Errorf("rclone batch: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	for p, data := range files {
		local := filepath.Join(scratch, filepath.FromSlash(strings.TrimPrefix(p, "/")))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return fmt.Errorf("rclone batch: mkdir: %w", err)
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return fmt.Errorf("rclone batch: stage %s: %w", p, err)
		}
	}

	r.trace("rclone batch: transferring %d files", len(files))
	_, err = r.run(ctx, nil, "copy", scratch, fmt.Sprintf("%s:", r.Remote))
	return err
}
