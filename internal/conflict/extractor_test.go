package conflict

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/stretchr/testify/require"
)

const branchName = "202405-0110-3000-3f1c2b9e-7a5d-4b43-9a61-0c4b1f1f2e11"

func entry(name string, stage index.Stage) *index.Entry {
	return &index.Entry{
		Name:       name,
		Stage:      stage,
		Mode:       filemode.Regular,
		Hash:       plumbing.NewHash("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"),
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}
}

func newConflictedRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	files := map[string]string{
		"b.py":      "<<<<<<< " + branchName + "\nx = 1\n=======\nx = 2\n>>>>>>> origin/main\n",
		"a.py":      "<<<<<<< HEAD\nimport os\n=======\nimport sys\n>>>>>>> origin/main\n",
		"clean.txt": "clean\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	idx := &index.Index{
		Version: 2,
		Entries: []*index.Entry{
			entry("a.py", index.AncestorMode),
			entry("a.py", index.OurMode),
			entry("a.py", index.TheirMode),
			entry("b.py", index.OurMode),
			entry("b.py", index.TheirMode),
			entry("clean.txt", MergedStage),
			entry("gone.py", index.TheirMode),
		},
	}
	require.NoError(t, repo.Storer.SetIndex(idx))
	return dir
}

func TestUnmergedPaths(t *testing.T) {
	dir := newConflictedRepo(t)

	paths, err := UnmergedPaths(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"a.py", "b.py", "gone.py"}, paths)
}

func TestExtract(t *testing.T) {
	dir := newConflictedRepo(t)

	tasks, err := Extract(context.Background(), dir, branchName)
	require.NoError(t, err)

	require.Len(t, tasks, 2)
	require.Equal(t, "a.py", tasks[0].FilePath)
	require.Contains(t, tasks[0].Content, "import os")
	require.Equal(t, "b.py", tasks[1].FilePath)
	require.Equal(t, "<<<<<<< feature_branch\nx = 1\n=======\nx = 2\n>>>>>>> origin/main\n", tasks[1].Content)
	require.NotContains(t, tasks[1].Content, branchName)
}

func TestExtract_NoConflicts(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	tasks, err := Extract(context.Background(), dir, branchName)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestUnmergedPaths_CleanCommittedRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"add", "clean.txt"},
		{"-c", "user.name=Test", "-c", "user.email=test@example.com", "commit", "-m", "initial"},
	} {
		if args[0] == "add" {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "clean.txt"), []byte("clean\n"), 0o644))
		}
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}

	paths, err := UnmergedPaths(dir)
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestExtract_NotARepository(t *testing.T) {
	_, err := Extract(context.Background(), t.TempDir(), branchName)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "on feature_branch and feature_branch", Normalize("on abc and abc", "abc"))
	require.Equal(t, "unchanged", Normalize("unchanged", ""))
}
