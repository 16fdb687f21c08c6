// Package vcsadapter wraps the two versioned-working-copy operations the
// worker pipeline needs: querying the mainline head commit, and classifying
// the result of a commit/push. Grounded on the same shell-adapter pattern as
// pkg/gateadapter, generalized to a configurable VCS binary name ("jj" in
// the source system).
package vcsadapter

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/cuemby/mergequeue/pkg/mqerr"
)

// Adapter invokes the configured VCS binary against a repository root.
type Adapter struct {
	binary      string
	repoRoot    string
	mainlineRef string
}

// New returns an Adapter invoking binary against repoRoot, querying
// mainlineRef (e.g. "main" or "trunk()") for the current head.
func New(binary, repoRoot, mainlineRef string) *Adapter {
	return &Adapter{binary: binary, repoRoot: repoRoot, mainlineRef: mainlineRef}
}

// MainlineHead runs "<binary> log -r <mainlineRef> --no-graph -T commit_id"
// in repoRoot and returns the trimmed SHA. A non-empty result is required;
// an empty result after trimming is a RemoteError.
func (a *Adapter) MainlineHead(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, a.binary, "log", "-r", a.mainlineRef, "--no-graph", "-T", "commit_id")
	cmd.Dir = a.repoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", mqerr.RemoteErrorf(err, "failed to query mainline head: %s", strings.TrimSpace(stderr.String()))
	}

	sha := strings.TrimSpace(stdout.String())
	if sha == "" {
		return "", mqerr.RemoteErrorf(nil, "mainline head query returned an empty result")
	}
	return sha, nil
}

// CommitAndPush runs the workspace's submission commit/push step. The core
// only needs the result classified into the error taxonomy (§7); the
// concrete command is delegated out of the core's scope, so this wraps an
// arbitrary caller-supplied command name and arguments run in workingDir.
func (a *Adapter) CommitAndPush(ctx context.Context, workingDir string, args ...string) error {
	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Dir = workingDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if mqerr.IsRetryableMessage(msg) {
			return mqerr.RemoteErrorf(err, "commit/push failed (retryable): %s", msg)
		}
		return mqerr.RemoteErrorf(err, "commit/push failed: %s", msg)
	}
	return nil
}
