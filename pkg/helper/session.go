package helper

import (
	"fmt"
	"io"
)

// Level is the session verbosity negotiated through "option verbosity".
type Level int

const (
	LevelQuiet Level = iota
	LevelError
	LevelInfo
	LevelDebug
)

// Session is per-conversation mutable state. It lives for one protocol
// conversation and is discarded when the process exits; nothing in it
// is shared across helper processes.
type Session struct {
	// Verbosity gates trace output; protocol replies are unaffected.
	Verbosity Level
	// FirstPush is true until the first push batch completes. It
	// governs whether the remote HEAD gets initialized.
	FirstPush bool

	errw io.Writer
}

// NewSession creates a Session tracing to errw at the default
// verbosity.
func NewSession(errw io.Writer) *Session {
	return &Session{Verbosity: LevelInfo, FirstPush: true, errw: errw}
}

// Tracef writes one diagnostic line to the error stream when the
// session verbosity admits level. Stdout is reserved for protocol
// replies; diagnostics only ever go to stderr.
func (s *Session) Tracef(level Level, format string, args ...any) {
	if level > s.Verbosity {
		return
	}
	var prefix string
	switch {
	case level <= LevelError:
		prefix = "error"
	case level == LevelInfo:
		prefix = "info"
	default:
		prefix = "debug"
	}
	fmt.Fprintf(s.errw, "%s: %s\n", prefix, fmt.Sprintf(format, args...))
}
