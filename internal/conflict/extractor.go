// Package conflict finds files left unmerged by a merge and reads them into
// conflict tasks.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/index"
)

// Placeholder replaces the run's unique working branch name in conflicted
// content, so identical conflicts from different runs share a cache key.
const Placeholder = "feature_branch"

// MergedStage is the on-disk stage of a resolved index entry. go-git's
// index.Merged constant is 1 and does not match what the decoder yields.
const MergedStage index.Stage = 0

// Task is one conflicted file.
type Task struct {
	FilePath string
	Content  string
}

// Extract returns a task for every path with unmerged index entries in the
// repository at repoPath, sorted by path. Occurrences of branchName in the
// content are replaced with Placeholder.
func Extract(ctx context.Context, repoPath, branchName string) ([]Task, error) {
	paths, err := UnmergedPaths(repoPath)
	if err != nil {
		return nil, err
	}

	log := clog.FromContext(ctx)
	tasks := make([]Task, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(filepath.Join(repoPath, filepath.FromSlash(p)))
		if errors.Is(err, os.ErrNotExist) {
			// Deleted on one side of the merge
			log.Warnf("Unmerged path %s is missing from the working tree, skipping", p)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to read conflicted file %s: %w", p, err)
		}
		tasks = append(tasks, Task{FilePath: p, Content: Normalize(string(b), branchName)})
	}
	log.Infof("Found %d conflicted file(s)", len(tasks))
	return tasks, nil
}

// UnmergedPaths lists the de-duplicated, sorted paths that have index
// entries at a stage other than merged.
func UnmergedPaths(repoPath string) ([]string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var paths []string
	for _, e := range idx.Entries {
		if e.Stage != MergedStage {
			paths = append(paths, e.Name)
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}

// Normalize replaces every occurrence of branchName with Placeholder.
func Normalize(content, branchName string) string {
	if branchName == "" {
		return content
	}
	return strings.ReplaceAll(content, branchName, Placeholder)
}
