package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/odvcencio/git-remote-blob/pkg/backend"
	"github.com/odvcencio/git-remote-blob/pkg/helper"
)

// buildBackend maps a remote URL onto a blob backend and the
// repository prefix inside it. Supported schemes:
//
//	rclone://remote-name/path/to/repo
//	file:///abs/path/to/repo
//	s3://bucket/path/to/repo
//	ssh://user@host:port/path/to/repo
func buildBackend(cfg *helper.Config, sess *helper.Session, rawURL string) (backend.Backend, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, "", fmt.Errorf("parse remote URL %q: %w", rawURL, err)
	}

	trace := func(format string, args ...any) {
		sess.Tracef(helper.LevelDebug, format, args...)
	}

	switch strings.ToLower(u.Scheme) {
	case "rclone":
		if u.Host == "" {
			return nil, "", fmt.Errorf(`rclone URL must be of the form "rclone://remote-name/path"`)
		}
		b := backend.NewRclone(u.Host)
		b.Binary = cfg.RcloneBinary
		b.ExtraArgs = cfg.RcloneArgs
		b.MaxAttempts = cfg.MaxAttempts
		b.Trace = trace
		return b, strings.Trim(u.Path, "/"), nil

	case "file":
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		if strings.TrimSpace(p) == "" {
			return nil, "", fmt.Errorf("file URL must include a path")
		}
		return backend.NewDir(p), "", nil

	case "s3":
		if u.Host == "" {
			return nil, "", fmt.Errorf(`s3 URL must be of the form "s3://bucket/path"`)
		}
		b, err := backend.NewS3(u.Host)
		if err != nil {
			return nil, "", err
		}
		return b, strings.Trim(u.Path, "/"), nil

	case "ssh":
		if u.Host == "" || strings.TrimSpace(u.Path) == "" {
			return nil, "", fmt.Errorf(`ssh URL must be of the form "ssh://user@host/path"`)
		}
		user := cfg.SSHUser
		if u.User != nil && u.User.Username() != "" {
			user = u.User.Username()
		}
		if user == "" {
			return nil, "", fmt.Errorf("ssh URL needs a user (in the URL or ssh_user config)")
		}
		if cfg.SSHKey == "" {
			return nil, "", fmt.Errorf("ssh backend needs ssh_key in the helper config")
		}
		addr := u.Host
		if u.Port() == "" {
			addr += ":22"
		}
		b, err := backend.DialSSH(addr, user, cfg.SSHKey, u.Path)
		if err != nil {
			return nil, "", err
		}
		return b, "", nil

	default:
		return nil, "", fmt.Errorf("unsupported remote URL scheme %q", u.Scheme)
	}
}
