// Package helper implements the git remote-helper protocol: a
// line-oriented command loop over stdin/stdout that translates each
// command into operations on a remote object store.
package helper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/odvcencio/git-remote-blob/pkg/backend"
	"github.com/odvcencio/git-remote-blob/pkg/gitobj"
	"github.com/odvcencio/git-remote-blob/pkg/store"
)

// LocalRepo is the host git repository: the helper reads local object
// data through it and delegates ancestry queries to it.
type LocalRepo interface {
	Resolve(ctx context.Context, ref string) (gitobj.Hash, error)
	SymbolicRef(ctx context.Context, name string) (string, error)
	IsAncestor(ctx context.Context, a, b gitobj.Hash) (bool, error)
	EncodeObject(ctx context.Context, h gitobj.Hash) ([]byte, error)
	ReferencedObjects(ctx context.Context, h gitobj.Hash) ([]gitobj.Hash, error)
	WriteLooseObject(ctx context.Context, raw []byte) (gitobj.Hash, error)
}

// ProtocolError reports a malformed or out-of-sequence input line.
// Fatal: the session terminates and the process exits non-zero.
type ProtocolError struct {
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unsupported operation: %q", e.Line)
}

// Helper drives one protocol conversation.
type Helper struct {
	Store   *store.Store
	Local   LocalRepo
	Session *Session
	// Workers bounds parallel object transfers inside one push or
	// fetch; zero means the default.
	Workers int

	in  *bufio.Scanner
	out io.Writer
}

// New wires a Helper over the given streams. in is the command stream
// from git, out the reply stream back to it.
func New(st *store.Store, local LocalRepo, sess *Session, in io.Reader, out io.Writer) *Helper {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Helper{Store: st, Local: local, Session: sess, in: sc, out: out}
}

// readLine returns the next newline-terminated command, or ok=false at
// end of input.
func (h *Helper) readLine() (string, bool) {
	if !h.in.Scan() {
		return "", false
	}
	line := h.in.Text()
	h.Session.Tracef(LevelDebug, "helper recv: %s", line)
	return line, true
}

// writeLine emits one protocol reply line; writeBlank terminates a
// reply batch.
func (h *Helper) writeLine(line string) {
	h.Session.Tracef(LevelDebug, "helper send: %s", line)
	fmt.Fprintf(h.out, "%s\n", line)
}

func (h *Helper) writeBlank() {
	h.Session.Tracef(LevelDebug, "helper send: <blank>")
	fmt.Fprintln(h.out)
}

// Run executes the protocol conversation until the host closes the
// stream or sends a bare blank line. Malformed input returns a
// ProtocolError; the caller turns that into a non-zero exit.
func (h *Helper) Run(ctx context.Context) error {
	for {
		line, ok := h.readLine()
		if !ok {
			return nil
		}
		switch {
		case line == "capabilities":
			h.writeLine("option")
			h.writeLine("push")
			h.writeLine("fetch")
			h.writeBlank()
		case strings.HasPrefix(line, "option "):
			h.handleOption(line)
		case line == "list" || line == "list for-push":
			if err := h.handleList(ctx, strings.HasSuffix(line, "for-push")); err != nil {
				return err
			}
		case strings.HasPrefix(line, "push "):
			if err := h.runPushBatch(ctx, line); err != nil {
				return err
			}
		case strings.HasPrefix(line, "fetch "):
			if err := h.runFetchBatch(ctx, line); err != nil {
				return err
			}
		case line == "":
			return nil
		default:
			h.Session.Tracef(LevelError, "unsupported operation: %s", line)
			return &ProtocolError{Line: line}
		}
	}
}

// handleOption applies "option <name> <value>". Only verbosity is
// recognized; everything else gets the "unsupported" reply.
func (h *Helper) handleOption(line string) {
	fields := strings.Fields(line)
	if len(fields) == 3 && fields[1] == "verbosity" {
		if v, err := strconv.Atoi(fields[2]); err == nil {
			h.Session.Verbosity = Level(v)
			h.writeLine("ok")
			return
		}
	}
	h.writeLine("unsupported")
}

// handleList emits every remote ref and, when resolvable, the HEAD
// symbolic-ref line.
func (h *Helper) handleList(ctx context.Context, forPush bool) error {
	refs, err := h.Store.ListRefs(ctx, forPush)
	if err != nil {
		return fmt.Errorf("list refs: %w", err)
	}
	for _, r := range refs {
		h.writeLine(fmt.Sprintf("%s %s", r.Hash, r.Name))
	}
	head, err := h.Store.ReadSymbolic(ctx, "HEAD")
	if err == nil && head != "" {
		h.writeLine(fmt.Sprintf("@%s HEAD", head))
	} else if err != nil && !backend.IsNotFound(err) {
		return fmt.Errorf("read remote HEAD: %w", err)
	}
	h.writeBlank()
	return nil
}
