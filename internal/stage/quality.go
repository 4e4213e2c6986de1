package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"

	"github.com/codementor-bot/codementor/internal/codec"
	"github.com/codementor-bot/codementor/internal/diagnostic"
	"github.com/codementor-bot/codementor/internal/metrics"
	"github.com/codementor-bot/codementor/internal/prompts"
)

// CodeQuality improves files with the completion service, guided by
// analyzer findings where the group has them.
type CodeQuality struct {
	responder
	writer Writer
}

// NewCodeQuality creates the stage. Improved files are written with writer.
func NewCodeQuality(cache Cache, gateway Completer, writer Writer, recorder *metrics.Recorder) *CodeQuality {
	return &CodeQuality{
		responder: responder{cache: cache, gateway: gateway, recorder: recorder},
		writer:    writer,
	}
}

// Run processes the tasks of one language group. File content is read from
// root. Highlighted groups include the task's findings in the prompt; other
// groups ask for a general quality pass.
func (s *CodeQuality) Run(ctx context.Context, root string, g diagnostic.Group, tasks []diagnostic.Task, progress ProgressFunc) (Result, error) {
	var res Result
	if len(tasks) == 0 {
		return res, nil
	}

	var items []prompts.CommitItem
	for i, t := range tasks {
		ctx := clog.WithValues(ctx, "file", t.FilePath)
		clog.FromContext(ctx).Infof("Improving code quality (%d/%d, group %s)", i+1, len(tasks), g.Name)

		src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(t.FilePath)))
		if err != nil {
			return Result{}, fmt.Errorf("failed to read %s: %w", t.FilePath, err)
		}

		var prompt string
		if g.Highlighted {
			prompt, err = prompts.Lint(string(src), t.Text)
		} else {
			prompt, err = prompts.Quality(t.FilePath, string(src))
		}
		if err != nil {
			return Result{}, err
		}

		obj, err := s.answer(ctx, prompt, "improved_source_code", "explanation")
		if err != nil {
			return Result{}, fmt.Errorf("failed to improve %s: %w", t.FilePath, err)
		}
		code, err := codec.StringField(obj, "improved_source_code")
		if err != nil {
			return Result{}, fmt.Errorf("invalid answer for %s: %w", t.FilePath, err)
		}
		explanation, err := codec.StringField(obj, "explanation")
		if err != nil {
			return Result{}, fmt.Errorf("invalid answer for %s: %w", t.FilePath, err)
		}

		res.FilePaths = append(res.FilePaths, t.FilePath)
		res.Responses = append(res.Responses, code)
		res.Explanations = append(res.Explanations, explanation)
		items = append(items, prompts.CommitItem{Path: t.FilePath, Explanation: explanation})
		if progress != nil {
			progress(i+1, len(tasks))
		}
	}

	if err := s.writer.WriteResponses(res.FilePaths, res.Responses); err != nil {
		return Result{}, fmt.Errorf("failed to write improved files: %w", err)
	}

	msg, err := s.commitMessage(ctx, items)
	if err != nil {
		return Result{}, err
	}
	res.CommitMessage = msg
	return res, nil
}
