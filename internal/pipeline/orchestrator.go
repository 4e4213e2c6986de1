package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/codementor-bot/codementor/internal/conflict"
	"github.com/codementor-bot/codementor/internal/diagnostic"
	"github.com/codementor-bot/codementor/internal/metrics"
	"github.com/codementor-bot/codementor/internal/stage"
)

var tracer = otel.Tracer("github.com/codementor-bot/codementor/internal/pipeline")

// Options configures an Orchestrator.
type Options struct {
	Cache    stage.Cache
	Gateway  stage.Completer
	Analyzer diagnostic.Analyzer
	Recorder *metrics.Recorder

	// NewSourceControl creates the working copy for one run.
	NewSourceControl func(ev Event, runID string) SourceControl
	// NewReporter creates the reporter for one run.
	NewReporter func(ev Event) Reporter

	// AuthorName and AuthorEmail sign merges and commits when set.
	AuthorName  string
	AuthorEmail string

	// NewRunID defaults to a random UUID.
	NewRunID func() string
}

// Orchestrator sequences the stages of a run. A failing stage is recorded
// and the run continues; only a failed clone ends a run early.
type Orchestrator struct {
	opts Options
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Orchestrator{opts: opts}
}

// run is the state of one pipeline run.
type run struct {
	ev       Event
	sc       SourceControl
	reporter Reporter
	progress *Progress
	summary  Summary
}

// Run processes ev. The returned error is non-nil only when the repository
// could not be cloned; stage failures are reported in the Summary.
func (o *Orchestrator) Run(ctx context.Context, ev Event) (Summary, error) {
	runID := o.opts.NewRunID()
	ctx = clog.WithValues(ctx, "run", runID, "pr", ev.String())
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("pr", ev.String()),
	)
	log := clog.FromContext(ctx)

	start := time.Now()
	defer func() { o.opts.Recorder.RunDuration(time.Since(start)) }()

	reporter := o.opts.NewReporter(ev)
	r := &run{
		ev:       ev,
		reporter: reporter,
		progress: NewProgress(reporter.ReportProgress),
		summary:  Summary{RunID: runID},
	}
	r.progress.Set(ctx, progressReceived, "Pull request received")

	r.sc = o.opts.NewSourceControl(ev, runID)
	if o.opts.AuthorEmail != "" || o.opts.AuthorName != "" {
		r.sc.SetCredentials(o.opts.AuthorEmail, o.opts.AuthorName)
	}
	defer func() {
		if err := r.sc.Cleanup(); err != nil {
			log.Warnf("Failed to clean up working tree: %v", err)
		}
	}()

	if err := r.sc.Clone(ctx); err != nil {
		err = fmt.Errorf("failed to clone %s: %w", ev, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "clone failed")
		r.summary.Body = err.Error()
		if perr := reporter.PostSummary(ctx, r.summary.Body); perr != nil {
			log.Warnf("Failed to post summary: %v", perr)
		}
		r.summary.Progress = r.progress.Percent()
		return r.summary, err
	}
	r.progress.Set(ctx, progressCloned, "Repository cloned")

	o.mergeStage(ctx, r)
	r.progress.Set(ctx, progressMergeDone, "Merge conflicts handled")

	o.qualityStage(ctx, r)
	r.progress.Set(ctx, progressQualityDone, "Code quality improved")

	o.report(ctx, r)
	r.summary.Progress = r.progress.Percent()
	log.Infof("Run finished with %d failed stage attempt(s)", len(r.summary.Failed()))
	return r.summary, nil
}

// mergeStage merges the target branch and resolves any conflicts. A failed
// attempt aborts the merge so later commits do not carry conflict markers.
func (o *Orchestrator) mergeStage(ctx context.Context, r *run) {
	ctx = clog.WithValues(ctx, "stage", StageMerge)
	ctx, span := tracer.Start(ctx, "pipeline.merge")
	defer span.End()

	outcome := StageOutcome{Stage: StageMerge}
	outcome.Result, outcome.Changed, outcome.Err = o.resolveConflicts(ctx, r)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, "merge stage failed")
		if err := r.sc.AbortMerge(ctx); err != nil {
			clog.FromContext(ctx).Warnf("Failed to abort merge: %v", err)
		}
	}
	o.record(ctx, r, outcome)
	if outcome.Err == nil && outcome.Changed {
		r.summary.Memory.Set(StageMerge, outcome.Result)
	}
}

func (o *Orchestrator) resolveConflicts(ctx context.Context, r *run) (stage.Result, bool, error) {
	conflicted, err := r.sc.MergeTarget(ctx)
	if err != nil {
		return stage.Result{}, false, err
	}
	if !conflicted {
		clog.FromContext(ctx).Infof("Merged %s without conflicts", r.ev.TargetBranch)
		return stage.Result{}, false, nil
	}

	tasks, err := conflict.Extract(ctx, r.sc.TmpPath(), r.sc.BranchName())
	if err != nil {
		return stage.Result{}, false, err
	}
	s := stage.NewConflictResolution(o.opts.Cache, o.opts.Gateway, r.sc, o.opts.Recorder)
	res, err := s.Run(ctx, tasks, r.progress.Span(ctx, progressCloned, progressMergeDone, "Resolving merge conflicts"))
	if err != nil {
		return stage.Result{}, false, err
	}
	if res.Empty() {
		return res, false, nil
	}
	changed, err := r.sc.CommitAndPush(ctx, res.FilePaths, res.CommitMessage)
	if err != nil {
		return stage.Result{}, false, err
	}
	return res, changed, nil
}

// qualityStage runs one code quality pass per language group, each with
// its own commit. The quality slot is recorded only when some group pushed
// changes.
func (o *Orchestrator) qualityStage(ctx context.Context, r *run) {
	ctx = clog.WithValues(ctx, "stage", StageQuality)
	ctx, span := tracer.Start(ctx, "pipeline.quality")
	defer span.End()

	groups := diagnostic.GroupChangedFiles(r.sc.TmpPath(), r.ev.ChangedFiles, o.opts.Analyzer)
	if len(groups) == 0 {
		clog.FromContext(ctx).Infof("No changed files to improve")
		return
	}
	budget := (progressQualityDone - progressMergeDone) / float64(len(groups))

	var changed []stage.Result
	for i, g := range groups {
		ctx := clog.WithValues(ctx, "group", g.Name)
		from := progressMergeDone + budget*float64(i)

		outcome := StageOutcome{Stage: StageQuality, Group: g.Name}
		outcome.Result, outcome.Changed, outcome.Err = o.improveGroup(ctx, r, g, from, from+budget)
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, "quality stage failed")
		}
		o.record(ctx, r, outcome)
		if outcome.Err == nil && outcome.Changed {
			changed = append(changed, outcome.Result)
		}
		r.progress.Set(ctx, from+budget, fmt.Sprintf("Improved %s files", g.Name))
	}
	if len(changed) > 0 {
		r.summary.Memory.Set(StageQuality, mergeResults(changed))
	}
}

func (o *Orchestrator) improveGroup(ctx context.Context, r *run, g diagnostic.Group, from, to float64) (stage.Result, bool, error) {
	tasks, err := diagnostic.Tasks(ctx, o.opts.Analyzer, r.sc.TmpPath(), g)
	if err != nil {
		return stage.Result{}, false, err
	}
	s := stage.NewCodeQuality(o.opts.Cache, o.opts.Gateway, r.sc, o.opts.Recorder)
	res, err := s.Run(ctx, r.sc.TmpPath(), g, tasks, r.progress.Span(ctx, from, to, fmt.Sprintf("Improving %s files", g.Name)))
	if err != nil {
		return stage.Result{}, false, err
	}
	if res.Empty() {
		return res, false, nil
	}
	changed, err := r.sc.CommitAndPush(ctx, res.FilePaths, res.CommitMessage)
	if err != nil {
		return stage.Result{}, false, err
	}
	return res, changed, nil
}

// record appends outcome to the summary and turns a failure into a
// StageError in memory.
func (o *Orchestrator) record(ctx context.Context, r *run, outcome StageOutcome) {
	log := clog.FromContext(ctx)
	r.summary.Outcomes = append(r.summary.Outcomes, outcome)

	switch {
	case outcome.Err != nil:
		log.Errorf("Stage failed: %v", outcome.Err)
		name := outcome.Stage
		if outcome.Group != "" {
			name = fmt.Sprintf("%s (%s)", outcome.Stage, outcome.Group)
		}
		r.summary.Memory.Errors = append(r.summary.Memory.Errors, &StageError{Stage: name, Err: outcome.Err})
		o.opts.Recorder.StageOutcome(outcome.Stage, "failed")
	case outcome.Changed:
		log.Infof("Stage pushed changes to %d file(s)", len(outcome.Result.FilePaths))
		o.opts.Recorder.StageOutcome(outcome.Stage, "changed")
	default:
		log.Infof("Stage made no changes")
		o.opts.Recorder.StageOutcome(outcome.Stage, "unchanged")
	}
}

// report composes and posts the summary. A failure to compose posts the
// error itself so the pull request never goes without a reply.
func (o *Orchestrator) report(ctx context.Context, r *run) {
	log := clog.FromContext(ctx)

	body, err := r.reporter.Compose(ctx, r.summary.Memory)
	if err != nil {
		log.Errorf("Failed to compose summary: %v", err)
		body = err.Error()
	}
	r.summary.Body = body
	r.progress.Set(ctx, progressComposed, "Summary composed")

	if err := r.reporter.PostSummary(ctx, body); err != nil {
		log.Errorf("Failed to post summary: %v", err)
		return
	}
	r.progress.Set(ctx, progressPosted, "Done")
}
