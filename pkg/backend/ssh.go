package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/crypto/ssh"
)

// SSH is a Backend that runs coreutils on a remote host over SSH
// sessions. Paths are relative to Root on the remote side.
type SSH struct {
	client *ssh.Client
	root   string
}

// DialSSH connects to addr ("host:port") as user, authenticating with
// the private key at keyPath.
func DialSSH(addr, user, keyPath, root string) (*SSH, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %q: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %q: %w", keyPath, err)
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return &SSH{client: client, root: strings.TrimSuffix(root, "/")}, nil
}

// Close tears down the underlying SSH connection.
func (b *SSH) Close() error {
	return b.client.Close()
}

func (b *SSH) fullPath(p string) string {
	return path.Join(b.root, strings.TrimPrefix(p, "/"))
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tmpName derives a sibling temp path for full with a per-call random
// suffix, so concurrent writers of the same path never share a temp
// file.
func tmpName(full string) string {
	var buf [4]byte
	rand.Read(buf[:])
	return full + ".tmp" + hex.EncodeToString(buf[:])
}

// run executes one remote command, honoring ctx cancellation by
// closing the session.
func (b *SSH) run(ctx context.Context, stdin []byte, command string) ([]byte, error) {
	sess, err := b.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer sess.Close()

	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Close()
		<-done
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("ssh %q: %w (stderr: %s)", command, err, truncate(stderr.String(), 1000))
	}
	return stdout.Bytes(), nil
}

// exists probes a remote path with test(1); the exit status is the
// structured absence signal.
func (b *SSH) exists(ctx context.Context, remotePath, testFlag string) (bool, error) {
	sess, err := b.client.NewSession()
	if err != nil {
		return false, fmt.Errorf("ssh session: %w", err)
	}
	defer sess.Close()
	err = sess.Run(fmt.Sprintf("test %s %s", testFlag, shellQuote(remotePath)))
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*ssh.ExitError); ok {
		return false, nil
	}
	return false, fmt.Errorf("ssh test %s: %w", remotePath, err)
}

// Get reads the remote file at path.
func (b *SSH) Get(ctx context.Context, p string) ([]byte, error) {
	full := b.fullPath(p)
	ok, err := b.exists(ctx, full, "-f")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ssh get %s: %w", p, ErrNotFound)
	}
	return b.run(ctx, nil, "cat "+shellQuote(full))
}

// Put writes data at path, atomically via a sibling temp file and mv.
func (b *SSH) Put(ctx context.Context, p string, data []byte) error {
	full := b.fullPath(p)
	tmp := tmpName(full)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && mv %s %s",
		shellQuote(path.Dir(full)), shellQuote(tmp), shellQuote(tmp), shellQuote(full))
	_, err := b.run(ctx, data, cmd)
	return err
}

// Delete removes path; rm -f makes absence a success.
func (b *SSH) Delete(ctx context.Context, p string) error {
	_, err := b.run(ctx, nil, "rm -f "+shellQuote(b.fullPath(p)))
	return err
}

// List recursively lists entries under dir with find(1).
func (b *SSH) List(ctx context.Context, dir string) ([]Entry, error) {
	full := b.fullPath(dir)
	ok, err := b.exists(ctx, full, "-d")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ssh list %s: %w", dir, ErrNotFound)
	}

	var entries []Entry
	for _, spec := range []struct {
		typeFlag string
		isDir    bool
	}{{"d", true}, {"f", false}} {
		cmd := fmt.Sprintf("cd %s && find . -mindepth 1 -type %s", shellQuote(full), spec.typeFlag)
		out, err := b.run(ctx, nil, cmd)
		if err != nil {
			return nil, err
		}
		entries = append(entries, parseFindOutput(string(out), spec.isDir)...)
	}
	return entries, nil
}

// parseFindOutput turns find(1) output run from inside the listed
// directory into entries with the leading "./" stripped.
func parseFindOutput(out string, isDir bool) []Entry {
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimPrefix(strings.TrimSpace(line), "./")
		if line == "" {
			continue
		}
		entries = append(entries, Entry{Path: line, IsDir: isDir})
	}
	return entries
}
