package cmd

import (
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	gh "github.com/codementor-bot/codementor/internal/github"
	"github.com/codementor-bot/codementor/internal/pipeline"
)

var runOpts struct {
	repo   string
	pr     int
	source string
	target string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a single pull request",
	Long: `Runs the pipeline once for the given pull request without going through
the webhook server or its deduplication. This mode is designed to be triggered
by GitHub Actions or by hand.`,
	PreRunE: requireValidConfig,
	RunE:    runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runOpts.repo, "repo", "", "Repository name in the format 'owner/repo'")
	runCmd.Flags().IntVar(&runOpts.pr, "pr", 0, "Pull request number")
	runCmd.Flags().StringVar(&runOpts.source, "source", "", "Source branch of the pull request")
	runCmd.Flags().StringVar(&runOpts.target, "target", "", "Target branch of the pull request")

	_ = runCmd.MarkFlagRequired("repo")
	_ = runCmd.MarkFlagRequired("pr")
	_ = runCmd.MarkFlagRequired("source")
	_ = runCmd.MarkFlagRequired("target")

	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx, cancel := setupContext(cmd.Context())
	defer cancel()
	log := clog.FromContext(ctx)

	owner, repo, ok := strings.Cut(runOpts.repo, "/")
	if !ok || owner == "" || repo == "" {
		return fmt.Errorf("invalid repository format '%s', expected owner/repo", runOpts.repo)
	}

	tp, err := createTelemetryProvider(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(ctx) }()

	githubClient, err := createGithubClient(ctx)
	if err != nil {
		return err
	}
	prs := gh.NewPullRequestService(githubClient)

	files, err := prs.ChangedFiles(ctx, gh.PullRequestRef{Owner: owner, Repo: repo, Number: runOpts.pr})
	if err != nil {
		return err
	}

	orchestrator, err := createOrchestrator(prs, nil)
	if err != nil {
		return err
	}

	summary, err := orchestrator.Run(ctx, pipeline.Event{
		Owner:        owner,
		Repo:         repo,
		SourceBranch: runOpts.source,
		TargetBranch: runOpts.target,
		PRNumber:     runOpts.pr,
		ChangedFiles: files,
	})
	if err != nil {
		return err
	}

	for _, o := range summary.Outcomes {
		name := o.Stage
		if o.Group != "" {
			name += "/" + o.Group
		}
		switch {
		case o.Err != nil:
			log.Errorf("%s: failed: %v", name, o.Err)
		case o.Changed:
			log.Infof("%s: pushed %d file(s)", name, len(o.Result.FilePaths))
		default:
			log.Infof("%s: no changes", name)
		}
	}
	if failed := summary.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d stage attempt(s) failed: %w", len(failed), summary.Memory.Err())
	}
	return nil
}
