// Package sourcecontrol materializes a pull request's repository for one
// pipeline run: clone, working branch, merge, commit and push.
package sourcecontrol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/codementor-bot/codementor/internal/conflict"
)

// ErrNotCloned is returned by operations that need a working tree before
// Clone has succeeded.
var ErrNotCloned = errors.New("repository has not been cloned")

// Options configures every Repository created from it.
type Options struct {
	// BaseURL is the git host, e.g. https://github.com. The remote is
	// BaseURL/owner/repo.git.
	BaseURL string
	// WorkDir holds one clone directory per run.
	WorkDir string
	// TokenSource authenticates clone and push. Nil means anonymous.
	TokenSource oauth2.TokenSource
	// GitBinary runs merges. Defaults to "git".
	GitBinary string
}

// Target identifies the pull request a run works on.
type Target struct {
	Owner        string
	Repo         string
	SourceBranch string
	TargetBranch string
	PRNumber     int
}

// Repository is one run's clone. It is not safe for concurrent use and is
// discarded when the run ends.
type Repository struct {
	opts   Options
	target Target
	runID  string

	authorName  string
	authorEmail string

	path       string
	branchName string
	repo       *git.Repository
}

// New creates a Repository for target. runID namespaces the clone
// directory so concurrent runs never share a working tree.
func New(opts Options, target Target, runID string) *Repository {
	if opts.GitBinary == "" {
		opts.GitBinary = "git"
	}
	return &Repository{
		opts:        opts,
		target:      target,
		runID:       runID,
		authorName:  "codementor",
		authorEmail: "codementor@users.noreply.github.com",
		path:        filepath.Join(opts.WorkDir, fmt.Sprintf("%s-%s", target.Repo, runID)),
	}
}

// SetCredentials sets the identity used for merge and commit authorship.
func (r *Repository) SetCredentials(email, name string) {
	r.authorEmail = email
	r.authorName = name
}

// TmpPath returns the working tree root.
func (r *Repository) TmpPath() string {
	return r.path
}

// BranchName returns the run's unique working branch. It is empty until
// Clone succeeds.
func (r *Repository) BranchName() string {
	return r.branchName
}

// RemoteURL returns the clone URL for the target repository.
func (r *Repository) RemoteURL() string {
	return fmt.Sprintf("%s/%s/%s.git", strings.TrimSuffix(r.opts.BaseURL, "/"), r.target.Owner, r.target.Repo)
}

// Clone clones the repository, checks out the PR's source branch and creates
// a uniquely named working branch on top of it.
func (r *Repository) Clone(ctx context.Context) error {
	log := clog.FromContext(ctx)
	if err := os.RemoveAll(r.path); err != nil {
		return fmt.Errorf("failed to clear clone directory: %w", err)
	}

	auth, err := r.auth()
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	log.Infof("Cloning repository %s into %s", r.RemoteURL(), r.path)
	repo, err := git.PlainCloneContext(ctx, r.path, false, &git.CloneOptions{
		URL:           r.RemoteURL(),
		ReferenceName: plumbing.NewBranchReferenceName(r.target.SourceBranch),
		Auth:          auth,
	})
	if err != nil {
		_ = os.RemoveAll(r.path)
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	name := UniqueBranchName(time.Now())
	refName := plumbing.NewBranchReferenceName(name)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, head.Hash())); err != nil {
		return fmt.Errorf("failed to create working branch: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: refName}); err != nil {
		return fmt.Errorf("failed to check out working branch: %w", err)
	}

	r.repo = repo
	r.branchName = name
	log.Infof("Created working branch %s", name)
	return nil
}

// UniqueBranchName returns a branch name that is unique per run.
func UniqueBranchName(now time.Time) string {
	return now.Format("200601-0215-0405-") + uuid.NewString()
}

// WriteResponses writes contents[i] to paths[i], relative to the working
// tree root.
func (r *Repository) WriteResponses(paths, contents []string) error {
	if len(paths) != len(contents) {
		return fmt.Errorf("got %d paths and %d contents", len(paths), len(contents))
	}
	for i, p := range paths {
		full, err := r.resolve(p)
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if fi, err := os.Stat(full); err == nil {
			mode = fi.Mode().Perm()
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
		if err := os.WriteFile(full, []byte(contents[i]), mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", p, err)
		}
	}
	return nil
}

// CommitAndPush stages paths, commits them and pushes the working branch.
// It returns false without committing when staging paths changes nothing.
// An in-progress merge is concluded by the commit.
func (r *Repository) CommitAndPush(ctx context.Context, paths []string, message string) (bool, error) {
	if r.repo == nil {
		return false, ErrNotCloned
	}
	log := clog.FromContext(ctx)

	unmerged, err := r.clearUnmerged()
	if err != nil {
		return false, err
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}
	for _, p := range unmerged {
		// Unresolved paths keep whatever the working tree holds
		if _, err := os.Stat(filepath.Join(r.path, filepath.FromSlash(p))); err == nil {
			if _, err := wt.Add(p); err != nil {
				return false, fmt.Errorf("failed to stage %s: %w", p, err)
			}
		}
	}
	for _, p := range paths {
		if _, err := wt.Add(filepath.ToSlash(p)); err != nil {
			return false, fmt.Errorf("failed to stage %s: %w", p, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	changed := false
	for _, p := range paths {
		if fs, ok := status[filepath.ToSlash(p)]; ok && fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			changed = true
			break
		}
	}
	if !changed {
		log.Infof("No staged changes, skipping commit")
		return false, nil
	}

	parents, err := r.parents()
	if err != nil {
		return false, err
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.authorName,
			Email: r.authorEmail,
			When:  time.Now(),
		},
		Parents: parents,
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	r.clearMergeState()
	log.Infof("Committed %s", hash)

	if err := r.push(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Cleanup removes the working tree.
func (r *Repository) Cleanup() error {
	if err := os.RemoveAll(r.path); err != nil {
		return fmt.Errorf("failed to remove clone: %w", err)
	}
	return nil
}

func (r *Repository) push(ctx context.Context) error {
	auth, err := r.auth()
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(r.branchName)
	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref))
	clog.FromContext(ctx).Infof("Pushing %s", refSpec)

	err = r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		clog.FromContext(ctx).Infof("Branch already up to date")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}

// auth returns nil for anonymous access.
func (r *Repository) auth() (transport.AuthMethod, error) {
	if r.opts.TokenSource == nil {
		return nil, nil
	}
	token, err := r.opts.TokenSource.Token()
	if err != nil {
		return nil, err
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: token.AccessToken,
	}, nil
}

// parents returns HEAD plus any MERGE_HEAD commits.
func (r *Repository) parents() ([]plumbing.Hash, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	parents := []plumbing.Hash{head.Hash()}

	b, err := os.ReadFile(filepath.Join(r.path, ".git", "MERGE_HEAD"))
	if errors.Is(err, os.ErrNotExist) {
		return parents, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read MERGE_HEAD: %w", err)
	}
	for _, line := range strings.Fields(string(b)) {
		parents = append(parents, plumbing.NewHash(line))
	}
	return parents, nil
}

func (r *Repository) clearMergeState() {
	for _, f := range []string{"MERGE_HEAD", "MERGE_MSG", "MERGE_MODE"} {
		_ = os.Remove(filepath.Join(r.path, ".git", f))
	}
}

// clearUnmerged drops conflict-stage index entries so that staging a path
// records a single resolved entry. It returns the affected paths.
func (r *Repository) clearUnmerged() ([]string, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	kept := idx.Entries[:0]
	var dropped []string
	for _, e := range idx.Entries {
		if e.Stage != conflict.MergedStage {
			if !slices.Contains(dropped, e.Name) {
				dropped = append(dropped, e.Name)
			}
			continue
		}
		kept = append(kept, e)
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	idx.Entries = kept
	if err := r.repo.Storer.SetIndex(idx); err != nil {
		return nil, fmt.Errorf("failed to write index: %w", err)
	}
	return dropped, nil
}

func (r *Repository) resolve(p string) (string, error) {
	full := filepath.Join(r.path, filepath.FromSlash(p))
	rel, err := filepath.Rel(r.path, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working tree", p)
	}
	return full, nil
}
