// Package reporter publishes a run's progress and summary as pull request
// comments.
package reporter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/codementor-bot/codementor/internal/github"
	"github.com/codementor-bot/codementor/internal/pipeline"
	"github.com/codementor-bot/codementor/internal/prompts"
	"github.com/codementor-bot/codementor/internal/stage"
)

// Completer generates free text.
type Completer interface {
	CompleteText(ctx context.Context, systemPrompt, prompt string) (string, error)
}

var _ pipeline.Reporter = (*Reporter)(nil)

// Reporter keeps one progress comment and one summary comment per pull
// request, editing each after it is first created.
type Reporter struct {
	prs     github.PullRequestService
	pr      github.PullRequestRef
	gateway Completer

	mu         sync.Mutex
	progressID int64
	summaryID  int64
}

// New creates a Reporter for pr.
func New(prs github.PullRequestService, pr github.PullRequestRef, gateway Completer) *Reporter {
	return &Reporter{prs: prs, pr: pr, gateway: gateway}
}

// ReportProgress creates or updates the progress comment.
func (r *Reporter) ReportProgress(ctx context.Context, percent float64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.prs.UpsertComment(ctx, r.pr, r.progressID, ProgressBar(percent, status))
	if err != nil {
		return fmt.Errorf("failed to update progress comment: %w", err)
	}
	r.progressID = id
	return nil
}

// PostSummary creates or updates the summary comment.
func (r *Reporter) PostSummary(ctx context.Context, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.prs.UpsertComment(ctx, r.pr, r.summaryID, body)
	if err != nil {
		return fmt.Errorf("failed to post summary comment: %w", err)
	}
	r.summaryID = id
	clog.FromContext(ctx).Infof("Posted summary comment %d on %s", id, r.pr)
	return nil
}

// Compose writes the summary and title for memory and renders the comment
// body.
func (r *Reporter) Compose(ctx context.Context, memory pipeline.Memory) (string, error) {
	summary, err := r.ComposeSummary(ctx, memory)
	if err != nil {
		return "", err
	}
	title, err := r.ComposeTitle(ctx, summary)
	if err != nil {
		return "", err
	}
	return Body(title, summary, memory), nil
}

// ComposeSummary asks for a pull request description of the recorded stage
// results.
func (r *Reporter) ComposeSummary(ctx context.Context, memory pipeline.Memory) (string, error) {
	prompt, err := prompts.Summary(describe(memory.Merge), describe(memory.Quality))
	if err != nil {
		return "", err
	}
	summary, err := r.gateway.CompleteText(ctx, prompts.SummarySystem(), prompt)
	if err != nil {
		return "", fmt.Errorf("failed to compose summary: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// ComposeTitle asks for a one-line title for summary.
func (r *Reporter) ComposeTitle(ctx context.Context, summary string) (string, error) {
	title, err := r.gateway.CompleteText(ctx, prompts.TitleSystem(), summary)
	if err != nil {
		return "", fmt.Errorf("failed to compose title: %w", err)
	}
	return strings.TrimSpace(title), nil
}

// describe renders a stage result for the summary prompt. An empty result
// renders as an empty string.
func describe(r stage.Result) string {
	if r.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "files changed: %s\n", strings.Join(r.FilePaths, ", "))
	b.WriteString("code changes:\n")
	for i, p := range r.FilePaths {
		if i < len(r.Explanations) {
			fmt.Fprintf(&b, "- %s: %s\n", p, r.Explanations[i])
		}
	}
	fmt.Fprintf(&b, "commit message: %s\n", r.CommitMessage)
	return b.String()
}
