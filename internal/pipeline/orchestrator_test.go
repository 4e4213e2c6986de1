package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/codementor-bot/codementor/internal/cache"
	"github.com/codementor-bot/codementor/internal/completion"
	"github.com/codementor-bot/codementor/internal/stage"
)

const testBranch = "202405-0110-3000-unique"

// serviceFunc adapts a function to completion.Service.
type serviceFunc func(systemPrompt, userPrompt string, format completion.ResponseFormat) (string, error)

func (f serviceFunc) Complete(_ context.Context, systemPrompt, userPrompt string, format completion.ResponseFormat) (string, error) {
	return f(systemPrompt, userPrompt, format)
}

// answering replies to merge and quality prompts with fixed answers.
func answering(t *testing.T) serviceFunc {
	t.Helper()
	return func(_, prompt string, format completion.ResponseFormat) (string, error) {
		switch {
		case format == completion.FormatText:
			return "Apply fixes", nil
		case strings.Contains(prompt, "Merge conflicted file content"):
			return `{"explanation":"kept both","code":"x = 3\n"}`, nil
		default:
			return `{"improved_source_code":"# Demo\n","explanation":"capitalized heading"}`, nil
		}
	}
}

type fakeSourceControl struct {
	dir        string
	cloneErr   error
	mergeErr   error
	conflicted bool
	changed    bool
	commitErr  error

	aborted  bool
	cleaned  bool
	author   string
	commits  []string
	written  map[string]string
	calls    []string
}

func (f *fakeSourceControl) Clone(context.Context) error {
	f.calls = append(f.calls, "clone")
	return f.cloneErr
}

func (f *fakeSourceControl) MergeTarget(context.Context) (bool, error) {
	f.calls = append(f.calls, "merge")
	return f.conflicted, f.mergeErr
}

func (f *fakeSourceControl) AbortMerge(context.Context) error {
	f.aborted = true
	return nil
}

func (f *fakeSourceControl) SetCredentials(email, name string) { f.author = name + " <" + email + ">" }
func (f *fakeSourceControl) TmpPath() string                   { return f.dir }
func (f *fakeSourceControl) BranchName() string                { return testBranch }

func (f *fakeSourceControl) WriteResponses(paths, contents []string) error {
	if f.written == nil {
		f.written = map[string]string{}
	}
	for i, p := range paths {
		f.written[p] = contents[i]
	}
	return nil
}

func (f *fakeSourceControl) CommitAndPush(_ context.Context, paths []string, message string) (bool, error) {
	f.calls = append(f.calls, "commit")
	if f.commitErr != nil {
		return false, f.commitErr
	}
	f.commits = append(f.commits, message+": "+strings.Join(paths, ","))
	return f.changed, nil
}

func (f *fakeSourceControl) Cleanup() error {
	f.cleaned = true
	return nil
}

type fakeReporter struct {
	mu         sync.Mutex
	percents   []float64
	composeErr error
	posted     []string
	composed   []Memory
}

func (f *fakeReporter) ReportProgress(_ context.Context, percent float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.percents = append(f.percents, percent)
	return nil
}

func (f *fakeReporter) Compose(_ context.Context, m Memory) (string, error) {
	f.composed = append(f.composed, m)
	if f.composeErr != nil {
		return "", f.composeErr
	}
	return "summary", nil
}

func (f *fakeReporter) PostSummary(_ context.Context, body string) error {
	f.posted = append(f.posted, body)
	return nil
}

func newOrchestrator(t *testing.T, svc completion.Service, sc *fakeSourceControl, rep *fakeReporter) *Orchestrator {
	t.Helper()
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	return New(Options{
		Cache:            c,
		Gateway:          completion.NewGateway(svc, nil),
		NewSourceControl: func(Event, string) SourceControl { return sc },
		NewReporter:      func(Event) Reporter { return rep },
		AuthorName:       "Bot",
		AuthorEmail:      "bot@example.com",
		NewRunID:         func() string { return "run-1" },
	})
}

// workingTree holds README.md and, when conflicted, calc.py with unmerged
// index entries.
func workingTree(t *testing.T, conflicted bool) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	if !conflicted {
		return dir
	}

	content := "<<<<<<< " + testBranch + "\nx = 1\n=======\nx = 2\n>>>>>>> origin/main\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calc.py"), []byte(content), 0o644))
	var entries []*index.Entry
	for _, s := range []index.Stage{index.AncestorMode, index.OurMode, index.TheirMode} {
		entries = append(entries, &index.Entry{
			Name:       "calc.py",
			Stage:      s,
			Mode:       filemode.Regular,
			Hash:       plumbing.NewHash("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"),
			ModifiedAt: time.Now(),
		})
	}
	require.NoError(t, repo.Storer.SetIndex(&index.Index{Version: 2, Entries: entries}))
	return dir
}

var testEvent = Event{
	Owner:        "octo",
	Repo:         "demo",
	SourceBranch: "feature",
	TargetBranch: "main",
	PRNumber:     7,
	ChangedFiles: []string{"README.md"},
}

func TestRun_RecordsBothStages(t *testing.T) {
	sc := &fakeSourceControl{dir: workingTree(t, true), conflicted: true, changed: true}
	rep := &fakeReporter{}

	sum, err := newOrchestrator(t, answering(t), sc, rep).Run(context.Background(), testEvent)
	require.NoError(t, err)

	require.Equal(t, "run-1", sum.RunID)
	require.Equal(t, []string{"calc.py"}, sum.Memory.Merge.FilePaths)
	require.Equal(t, []string{"x = 3\n"}, sum.Memory.Merge.Responses)
	require.Equal(t, []string{"README.md"}, sum.Memory.Quality.FilePaths)
	require.Empty(t, sum.Failed())
	require.NoError(t, sum.Memory.Err())

	require.Equal(t, []string{"clone", "merge", "commit", "commit"}, sc.calls)
	require.Equal(t, "Bot <bot@example.com>", sc.author)
	require.Equal(t, "x = 3\n", sc.written["calc.py"])
	require.Equal(t, "# Demo\n", sc.written["README.md"])
	require.True(t, sc.cleaned)
	require.False(t, sc.aborted)

	require.Equal(t, []string{"summary"}, rep.posted)
	require.Equal(t, 100.0, sum.Progress)
}

func TestRun_StageIsolation(t *testing.T) {
	sc := &fakeSourceControl{dir: workingTree(t, false), mergeErr: errors.New("merge exploded"), changed: true}
	rep := &fakeReporter{}

	sum, err := newOrchestrator(t, answering(t), sc, rep).Run(context.Background(), testEvent)
	require.NoError(t, err)

	require.True(t, sc.aborted)
	require.True(t, sum.Memory.Merge.Empty())
	require.Equal(t, []string{"README.md"}, sum.Memory.Quality.FilePaths)

	require.Len(t, sum.Memory.Errors, 1)
	require.Equal(t, StageMerge, sum.Memory.Errors[0].Stage)
	require.ErrorContains(t, sum.Memory.Err(), "merge exploded")

	failed := sum.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, StageMerge, failed[0].Stage)

	require.Len(t, rep.composed, 1)
	require.Len(t, rep.composed[0].Errors, 1)
}

func TestRun_QualityFailureDoesNotStopSummary(t *testing.T) {
	sc := &fakeSourceControl{dir: workingTree(t, false)}
	rep := &fakeReporter{}
	svc := serviceFunc(func(string, string, completion.ResponseFormat) (string, error) {
		return "", errors.New("service unavailable")
	})

	sum, err := newOrchestrator(t, svc, sc, rep).Run(context.Background(), testEvent)
	require.NoError(t, err)

	require.Len(t, sum.Memory.Errors, 1)
	require.Equal(t, "quality (other)", sum.Memory.Errors[0].Stage)
	require.Equal(t, []string{"summary"}, rep.posted)
}

func TestRun_NoopCommitDoesNotPolluteMemory(t *testing.T) {
	sc := &fakeSourceControl{dir: workingTree(t, true), conflicted: true, changed: false}
	rep := &fakeReporter{}

	sum, err := newOrchestrator(t, answering(t), sc, rep).Run(context.Background(), testEvent)
	require.NoError(t, err)

	require.True(t, sum.Memory.Merge.Empty())
	require.True(t, sum.Memory.Quality.Empty())
	require.Empty(t, sum.Memory.Errors)
	require.Len(t, sc.commits, 2)
	for _, o := range sum.Outcomes {
		require.False(t, o.Changed)
		require.NoError(t, o.Err)
	}
}

func TestRun_CleanMergeSkipsConflictStage(t *testing.T) {
	sc := &fakeSourceControl{dir: workingTree(t, false), changed: true}
	var prompts []string
	svc := serviceFunc(func(system, prompt string, format completion.ResponseFormat) (string, error) {
		prompts = append(prompts, prompt)
		return answering(t)(system, prompt, format)
	})

	sum, err := newOrchestrator(t, svc, sc, &fakeReporter{}).Run(context.Background(), testEvent)
	require.NoError(t, err)
	require.True(t, sum.Memory.Merge.Empty())
	for _, p := range prompts {
		require.NotContains(t, p, "Merge conflicted file content")
	}
}

func TestRun_CloneFailureIsFatal(t *testing.T) {
	sc := &fakeSourceControl{cloneErr: errors.New("auth failed")}
	rep := &fakeReporter{}

	_, err := newOrchestrator(t, answering(t), sc, rep).Run(context.Background(), testEvent)
	require.ErrorContains(t, err, "auth failed")

	require.Equal(t, []string{"clone"}, sc.calls)
	require.Len(t, rep.posted, 1)
	require.Contains(t, rep.posted[0], "auth failed")
	require.True(t, sc.cleaned)
}

func TestRun_SummaryFallsBackToError(t *testing.T) {
	sc := &fakeSourceControl{dir: workingTree(t, false)}
	rep := &fakeReporter{composeErr: errors.New("summary model down")}

	sum, err := newOrchestrator(t, answering(t), sc, rep).Run(context.Background(), testEvent)
	require.NoError(t, err)
	require.Equal(t, []string{"summary model down"}, rep.posted)
	require.Equal(t, "summary model down", sum.Body)
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	sc := &fakeSourceControl{dir: workingTree(t, true), conflicted: true, changed: true}
	rep := &fakeReporter{}

	_, err := newOrchestrator(t, answering(t), sc, rep).Run(context.Background(), testEvent)
	require.NoError(t, err)

	require.NotEmpty(t, rep.percents)
	require.Equal(t, progressReceived, rep.percents[0])
	require.Equal(t, progressPosted, rep.percents[len(rep.percents)-1])
	for i := 1; i < len(rep.percents); i++ {
		require.GreaterOrEqual(t, rep.percents[i], rep.percents[i-1], "progress went backwards: %v", rep.percents)
	}
}

func TestProgress_ClampsAndSpans(t *testing.T) {
	var got []float64
	p := NewProgress(func(_ context.Context, percent float64, _ string) error {
		got = append(got, percent)
		return errors.New("ignored")
	})
	ctx := context.Background()

	p.Set(ctx, 40, "a")
	p.Set(ctx, 10, "b")
	span := p.Span(ctx, 50, 85, "files")
	span(1, 2)
	span(2, 2)
	span(0, 0)
	p.Set(ctx, 250, "c")

	if diff := cmp.Diff([]float64{40, 40, 67.5, 85, 100}, got); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 100.0, p.Percent())
}

func TestMergeResults(t *testing.T) {
	got := mergeResults([]stage.Result{
		{FilePaths: []string{"a"}, Responses: []string{"A"}, Explanations: []string{"ea"}, CommitMessage: "one"},
		{FilePaths: []string{"b"}, Responses: []string{"B"}, Explanations: []string{"eb"}, CommitMessage: "two"},
	})
	want := stage.Result{
		FilePaths:     []string{"a", "b"},
		Responses:     []string{"A", "B"},
		Explanations:  []string{"ea", "eb"},
		CommitMessage: "one\n\ntwo",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mergeResults mismatch (-want +got):\n%s", diff)
	}
}
