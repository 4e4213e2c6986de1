package stage

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/codementor-bot/codementor/internal/codec"
	"github.com/codementor-bot/codementor/internal/conflict"
	"github.com/codementor-bot/codementor/internal/metrics"
	"github.com/codementor-bot/codementor/internal/prompts"
)

// ConflictResolution resolves conflicted files with the completion service.
type ConflictResolution struct {
	responder
	writer Writer
}

// NewConflictResolution creates the stage. Resolved files are written with
// writer.
func NewConflictResolution(cache Cache, gateway Completer, writer Writer, recorder *metrics.Recorder) *ConflictResolution {
	return &ConflictResolution{
		responder: responder{cache: cache, gateway: gateway, recorder: recorder},
		writer:    writer,
	}
}

// Run resolves each task in order, writes the resolved files, and generates
// a commit message from the explanations. No tasks yields an empty Result.
func (s *ConflictResolution) Run(ctx context.Context, tasks []conflict.Task, progress ProgressFunc) (Result, error) {
	var res Result
	if len(tasks) == 0 {
		return res, nil
	}

	for i, t := range tasks {
		ctx := clog.WithValues(ctx, "file", t.FilePath)
		clog.FromContext(ctx).Infof("Resolving conflicts (%d/%d)", i+1, len(tasks))

		prompt, err := prompts.Merge(t.Content)
		if err != nil {
			return Result{}, err
		}
		obj, err := s.answer(ctx, prompt, "explanation", "code")
		if err != nil {
			return Result{}, fmt.Errorf("failed to resolve %s: %w", t.FilePath, err)
		}
		code, err := codec.StringField(obj, "code")
		if err != nil {
			return Result{}, fmt.Errorf("invalid resolution for %s: %w", t.FilePath, err)
		}
		explanation, err := codec.StringField(obj, "explanation")
		if err != nil {
			return Result{}, fmt.Errorf("invalid resolution for %s: %w", t.FilePath, err)
		}

		res.FilePaths = append(res.FilePaths, t.FilePath)
		res.Responses = append(res.Responses, code)
		res.Explanations = append(res.Explanations, explanation)
		if progress != nil {
			progress(i+1, len(tasks))
		}
	}

	if err := s.writer.WriteResponses(res.FilePaths, res.Responses); err != nil {
		return Result{}, fmt.Errorf("failed to write resolved files: %w", err)
	}

	items := make([]prompts.CommitItem, 0, len(res.Explanations))
	for _, e := range res.Explanations {
		items = append(items, prompts.CommitItem{Explanation: e})
	}
	msg, err := s.commitMessage(ctx, items)
	if err != nil {
		return Result{}, err
	}
	res.CommitMessage = msg
	return res, nil
}
