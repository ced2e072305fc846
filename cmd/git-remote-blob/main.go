// git-remote-blob is a git remote helper that stores repositories in
// an arbitrary blob store. git invokes it as
// "git-remote-<scheme> <remote> <url>"; install scheme-specific names
// (git-remote-rclone, ...) as symlinks to this binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/git-remote-blob/pkg/gitcli"
	"github.com/odvcencio/git-remote-blob/pkg/helper"
	"github.com/odvcencio/git-remote-blob/pkg/store"
)

var _ helper.LocalRepo = (*gitcli.Git)(nil)

func main() {
	root := &cobra.Command{
		Use:           "git-remote-blob <remote> <url>",
		Short:         "git remote helper backed by a blob store",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHelper(cmd, args[0], args[1])
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runHelper(cmd *cobra.Command, remoteName, rawURL string) error {
	ctx := cmd.Context()

	cfg, err := helper.LoadConfig(helper.ConfigPath())
	if err != nil {
		return err
	}

	sess := helper.NewSession(os.Stderr)
	sess.Tracef(helper.LevelDebug, "remote %q url %q", remoteName, rawURL)

	be, prefix, err := buildBackend(cfg, sess, rawURL)
	if err != nil {
		return err
	}

	local, err := gitcli.Open(ctx, "")
	if err != nil {
		return err
	}

	h := helper.New(store.New(be, prefix), local, sess, os.Stdin, os.Stdout)
	h.Workers = cfg.Concurrency
	return h.Run(ctx)
}
