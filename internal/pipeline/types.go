// Package pipeline runs one pull request through the conflict resolution
// and code quality stages and reports the outcome on the pull request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codementor-bot/codementor/internal/stage"
)

// Event is a validated, deduplicated pull request notification.
type Event struct {
	Owner        string
	Repo         string
	SourceBranch string
	TargetBranch string
	PRNumber     int
	ChangedFiles []string
}

func (e Event) String() string {
	return fmt.Sprintf("%s/%s#%d", e.Owner, e.Repo, e.PRNumber)
}

// SourceControl is one run's working copy of the pull request.
type SourceControl interface {
	Clone(ctx context.Context) error
	MergeTarget(ctx context.Context) (bool, error)
	AbortMerge(ctx context.Context) error
	SetCredentials(email, name string)
	TmpPath() string
	BranchName() string
	WriteResponses(paths, contents []string) error
	CommitAndPush(ctx context.Context, paths []string, message string) (bool, error)
	Cleanup() error
}

// Reporter publishes run progress and the final summary on the pull
// request. A Reporter serves a single run.
type Reporter interface {
	ReportProgress(ctx context.Context, percent float64, status string) error
	Compose(ctx context.Context, memory Memory) (string, error)
	PostSummary(ctx context.Context, body string) error
}

// Stage names used for memory slots, outcomes and metrics.
const (
	StageMerge   = "merge"
	StageQuality = "quality"
)

// StageError is a stage failure recorded instead of the stage's result.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOutcome is what one stage attempt produced. Group is set for code
// quality attempts. Changed reports whether the commit pushed anything.
type StageOutcome struct {
	Stage   string
	Group   string
	Result  stage.Result
	Changed bool
	Err     error
}

// Memory holds the results worth summarizing. Each slot holds the last
// result recorded for its stage.
type Memory struct {
	Merge   stage.Result
	Quality stage.Result
	Errors  []*StageError
}

// Set overwrites the slot for name.
func (m *Memory) Set(name string, r stage.Result) {
	switch name {
	case StageMerge:
		m.Merge = r
	case StageQuality:
		m.Quality = r
	}
}

// Err joins the recorded stage errors, or returns nil.
func (m Memory) Err() error {
	errs := make([]error, 0, len(m.Errors))
	for _, e := range m.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// Summary is the outcome of a run.
type Summary struct {
	RunID    string
	Outcomes []StageOutcome
	Memory   Memory
	Body     string
	Progress float64
}

// Failed returns the outcomes that ended in an error.
func (s Summary) Failed() []StageOutcome {
	var failed []StageOutcome
	for _, o := range s.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// mergeResults joins the results of several commits into one memory entry.
func mergeResults(results []stage.Result) stage.Result {
	var out stage.Result
	var messages []string
	for _, r := range results {
		out.FilePaths = append(out.FilePaths, r.FilePaths...)
		out.Responses = append(out.Responses, r.Responses...)
		out.Explanations = append(out.Explanations, r.Explanations...)
		if r.CommitMessage != "" {
			messages = append(messages, r.CommitMessage)
		}
	}
	out.CommitMessage = strings.Join(messages, "\n\n")
	return out
}
