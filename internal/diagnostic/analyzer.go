package diagnostic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/chainguard-dev/clog"
)

// Analyzer runs a static analysis tool over a directory and returns its raw
// report.
type Analyzer interface {
	Supports(language string) bool
	Run(ctx context.Context, language, dir string) (string, error)
}

// ExecAnalyzer runs black and PMD as subprocesses. A tool with an empty path
// is treated as unavailable.
type ExecAnalyzer struct {
	BlackPath  string
	PMDPath    string
	PMDRuleset string
}

func (a ExecAnalyzer) Supports(language string) bool {
	switch language {
	case LanguagePython:
		return a.BlackPath != ""
	case LanguageJava:
		return a.PMDPath != ""
	}
	return false
}

// Run invokes the tool for language. A non-zero exit status is expected
// when findings exist and is not an error; whatever the tool printed is
// returned.
func (a ExecAnalyzer) Run(ctx context.Context, language, dir string) (string, error) {
	var cmd *exec.Cmd
	var out bytes.Buffer
	switch language {
	case LanguagePython:
		cmd = exec.CommandContext(ctx, a.BlackPath, "--diff", dir)
		cmd.Stdout = &out
		cmd.Stderr = &out
	case LanguageJava:
		ruleset := a.PMDRuleset
		if ruleset == "" {
			ruleset = "rulesets/java/quickstart.xml"
		}
		cmd = exec.CommandContext(ctx, a.PMDPath, "check", "-d", dir, "-R", ruleset)
		cmd.Stdout = &out
	default:
		return "", fmt.Errorf("no analyzer for language %q", language)
	}

	clog.FromContext(ctx).Infof("Running %s", cmd.String())
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		clog.FromContext(ctx).Infof("Analyzer exited with status %d", exitErr.ExitCode())
	} else if err != nil {
		return "", fmt.Errorf("failed to run analyzer: %w", err)
	}
	return out.String(), nil
}
