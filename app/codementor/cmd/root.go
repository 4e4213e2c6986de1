package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/codementor-bot/codementor/internal/config"
)

var (
	cfg     config.Config
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "codementor",
	Short: "AI code mentor for pull requests",
	Long: `Codementor resolves merge conflicts and improves code quality on GitHub pull
requests. It merges the target branch into a working branch, asks a language
model to resolve each conflict and to improve the changed files, pushes the
results, and summarizes what it did in a pull request comment.`,
	PersistentPreRunE: loadRootConfig,
	SilenceUsage:      true,
}

func Execute() error {
	return rootCmd.Execute()
}

func loadRootConfig(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ctx := clog.WithLogger(cmd.Context(), logger)
	cmd.SetContext(ctx)

	loaded, err := config.Load(ctx)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// requireValidConfig is the PreRunE of commands that talk to GitHub and the
// completion service.
func requireValidConfig(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cacheDirFlag, "cache-dir", "", "Response cache directory (overrides CACHE_DIR)")
}
