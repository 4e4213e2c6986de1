package sourcecontrol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/chainguard-dev/clog"
)

// MergeTarget merges origin/<target branch> into the working branch. A
// merge that stops on conflicts is not an error: it returns true and leaves
// the conflicted paths unmerged in the index for the conflict extractor.
func (r *Repository) MergeTarget(ctx context.Context) (bool, error) {
	if r.repo == nil {
		return false, ErrNotCloned
	}
	remoteRef := "origin/" + r.target.TargetBranch
	clog.FromContext(ctx).Infof("Merging %s into %s", remoteRef, r.branchName)

	out, err := r.git(ctx, "merge", "--no-edit", "--no-ff", remoteRef)
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && r.mergeInProgress() {
		clog.FromContext(ctx).Infof("Merge stopped with conflicts")
		return true, nil
	}
	return false, fmt.Errorf("failed to merge %s: %w: %s", remoteRef, err, out)
}

// AbortMerge restores the pre-merge state if a merge is in progress.
func (r *Repository) AbortMerge(ctx context.Context) error {
	if r.repo == nil || !r.mergeInProgress() {
		return nil
	}
	if out, err := r.git(ctx, "merge", "--abort"); err != nil {
		return fmt.Errorf("failed to abort merge: %w: %s", err, out)
	}
	return nil
}

func (r *Repository) mergeInProgress() bool {
	_, err := os.Stat(filepath.Join(r.path, ".git", "MERGE_HEAD"))
	return err == nil
}

// git runs the git binary in the working tree with the run's identity.
func (r *Repository) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.opts.GitBinary, args...)
	cmd.Dir = r.path
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+r.authorName,
		"GIT_AUTHOR_EMAIL="+r.authorEmail,
		"GIT_COMMITTER_NAME="+r.authorName,
		"GIT_COMMITTER_EMAIL="+r.authorEmail,
		"GIT_TERMINAL_PROMPT=0",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
