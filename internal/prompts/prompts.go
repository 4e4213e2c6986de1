// Package prompts renders the prompts sent to the completion service.
//
// Rendered prompts are used verbatim as response cache keys, so any change to
// a template invalidates the cached answers built from it.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

//go:embed templates/system.md
var codeQualitySystem string

//go:embed templates/summary_system.md
var summarySystem string

//go:embed templates/title_system.md
var titleSystem string

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// CodeQualitySystem is the system prompt for merge, lint and commit message
// requests.
func CodeQualitySystem() string { return strings.TrimSpace(codeQualitySystem) }

// SummarySystem is the system prompt for the PR summary.
func SummarySystem() string { return strings.TrimSpace(summarySystem) }

// TitleSystem is the system prompt for the PR title.
func TitleSystem() string { return strings.TrimSpace(titleSystem) }

// Merge asks for a conflict resolution of content as a JSON object with
// "explanation" and "code".
func Merge(content string) (string, error) {
	return render("merge.tmpl", struct{ Content string }{content})
}

// CommitItem is one explanation fed to the commit message prompt. Path is
// optional.
type CommitItem struct {
	Path        string
	Explanation string
}

// Commit asks for a short commit message summarizing items.
func Commit(items []CommitItem) (string, error) {
	return render("commit.tmpl", struct{ Items []CommitItem }{items})
}

// Lint asks for an improved version of source guided by analyzer findings,
// as a JSON object with "improved_source_code" and "explanation".
func Lint(source, suggestions string) (string, error) {
	return render("lint.tmpl", struct{ Source, Suggestions string }{source, suggestions})
}

// Quality asks for a general code quality pass over a file no analyzer
// covers. The reply contract matches Lint.
func Quality(path, source string) (string, error) {
	return render("quality.tmpl", struct{ Path, Source string }{path, source})
}

// Summary renders the user prompt for the PR summary from the two stage
// memories.
func Summary(merge, quality string) (string, error) {
	return render("summary_user.tmpl", struct{ Merge, Quality string }{merge, quality})
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template %s: %w", name, err)
	}
	return buf.String(), nil
}
