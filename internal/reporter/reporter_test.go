package reporter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codementor-bot/codementor/internal/github"
	"github.com/codementor-bot/codementor/internal/pipeline"
	"github.com/codementor-bot/codementor/internal/stage"
)


type fakePullRequests struct {
	nextID   int64
	comments map[int64]string
	creates  int
	edits    int
	err      error
}

func (f *fakePullRequests) UpsertComment(_ context.Context, _ github.PullRequestRef, id int64, body string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.comments == nil {
		f.comments = map[int64]string{}
	}
	if id == 0 {
		f.nextID++
		id = f.nextID
		f.creates++
	} else {
		f.edits++
	}
	f.comments[id] = body
	return id, nil
}

func (f *fakePullRequests) ChangedFiles(context.Context, github.PullRequestRef) ([]string, error) {
	return nil, nil
}

type fakeCompleter struct {
	prompts []string
	systems []string
	replies []string
	err     error
}

func (f *fakeCompleter) CompleteText(_ context.Context, system, prompt string) (string, error) {
	f.systems = append(f.systems, system)
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

var pr = github.PullRequestRef{Owner: "octo", Repo: "demo", Number: 7}

func TestReportProgress_EditsOneComment(t *testing.T) {
	prs := &fakePullRequests{}
	r := New(prs, pr, &fakeCompleter{})
	ctx := context.Background()

	require.NoError(t, r.ReportProgress(ctx, 5, "received"))
	require.NoError(t, r.ReportProgress(ctx, 50, "merged"))
	require.NoError(t, r.PostSummary(ctx, "first"))
	require.NoError(t, r.PostSummary(ctx, "second"))

	require.Equal(t, 2, prs.creates)
	require.Equal(t, 2, prs.edits)
	require.Contains(t, prs.comments[1], "50%")
	require.Equal(t, "second", prs.comments[2])
}

func TestReportProgress_Error(t *testing.T) {
	r := New(&fakePullRequests{err: errors.New("forbidden")}, pr, &fakeCompleter{})
	require.ErrorContains(t, r.ReportProgress(context.Background(), 5, ""), "forbidden")
}

func TestCompose(t *testing.T) {
	gw := &fakeCompleter{replies: []string{"  Resolved the calc conflict.\n", "Fix calc\n"}}
	r := New(&fakePullRequests{}, pr, gw)
	memory := pipeline.Memory{
		Merge: stage.Result{
			FilePaths:     []string{"calc.py"},
			Explanations:  []string{"kept both | sides"},
			CommitMessage: "Resolve conflict",
		},
		Errors: []*pipeline.StageError{{Stage: "quality (java)", Err: errors.New("pmd crashed")}},
	}

	body, err := r.Compose(context.Background(), memory)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(body, "## Fix calc\n\nResolved the calc conflict.\n"), body)
	require.Contains(t, body, "`calc.py`")
	require.Contains(t, body, `kept both \| sides`)
	require.Contains(t, body, "- quality (java): pmd crashed")

	require.Len(t, gw.prompts, 2)
	require.Contains(t, gw.prompts[0], "files changed: calc.py")
	require.Contains(t, gw.prompts[0], "commit message: Resolve conflict")
	require.Equal(t, "Resolved the calc conflict.", gw.prompts[1])
}

func TestCompose_Error(t *testing.T) {
	r := New(&fakePullRequests{}, pr, &fakeCompleter{err: errors.New("rate limited")})
	_, err := r.Compose(context.Background(), pipeline.Memory{})
	require.ErrorContains(t, err, "rate limited")
}

func TestBody_NoChanges(t *testing.T) {
	body := Body("Title", "Nothing to do.", pipeline.Memory{})
	require.Equal(t, "## Title\n\nNothing to do.\n", body)
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		percent float64
		status  string
		want    string
	}{
		{0, "", "**Codementor progress:** `░░░░░░░░░░░░░░░░░░░░` 0%"},
		{50, "Merging", "**Codementor progress:** `██████████░░░░░░░░░░` 50%\n\nMerging"},
		{150, "", "**Codementor progress:** `████████████████████` 100%"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ProgressBar(tt.percent, tt.status))
	}
}
