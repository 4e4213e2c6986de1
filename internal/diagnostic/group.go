package diagnostic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/chainguard-dev/clog"
)

// OtherGroup names the group of files no analyzer covers.
const OtherGroup = "other"

var (
	ignoredDirs = []string{"__pycache__", "venv", "node_modules", "dist",
		"build", "out", "target", "bin", "obj", "lib", "include", "logs"}
	ignoredFiles = []string{"__init__.py", "Thumbs.db", "desktop.ini"}

	extensionLanguages = map[string]string{
		".java": LanguageJava,
		".py":   LanguagePython,
	}
)

// Group is a set of changed files handled by one code quality pass.
// Highlighted groups have analyzer output to work from.
type Group struct {
	Name        string
	Language    string
	Highlighted bool
	Files       []string
}

// GroupChangedFiles partitions the PR's changed files by language. Files
// that no longer exist under root, hidden files, and files in ignored
// directories are dropped. Languages the analyzer does not support fall into
// the "other" group. Empty groups are omitted; the "other" group is last.
func GroupChangedFiles(root string, changed []string, analyzer Analyzer) []Group {
	byLanguage := map[string]*Group{}
	var order []string
	other := &Group{Name: OtherGroup}

	for _, f := range changed {
		if ignored(f) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, f)); err != nil {
			continue
		}
		lang := extensionLanguages[strings.ToLower(filepath.Ext(f))]
		if lang == "" || analyzer == nil || !analyzer.Supports(lang) {
			other.Files = append(other.Files, f)
			continue
		}
		g, ok := byLanguage[lang]
		if !ok {
			g = &Group{Name: lang, Language: lang, Highlighted: true}
			byLanguage[lang] = g
			order = append(order, lang)
		}
		g.Files = append(g.Files, f)
	}

	var groups []Group
	for _, lang := range order {
		groups = append(groups, *byLanguage[lang])
	}
	if len(other.Files) > 0 {
		groups = append(groups, *other)
	}
	return groups
}

// Tasks produces the lint tasks for a group. Highlighted groups run the
// analyzer over root and keep findings for the group's files; other groups
// get one task per file with no diagnostic text. Paths are returned
// relative to root.
func Tasks(ctx context.Context, analyzer Analyzer, root string, g Group) ([]Task, error) {
	if !g.Highlighted {
		tasks := make([]Task, 0, len(g.Files))
		for _, f := range g.Files {
			tasks = append(tasks, Task{FilePath: f})
		}
		return tasks, nil
	}

	raw, err := analyzer.Run(ctx, g.Language, root)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s analyzer: %w", g.Language, err)
	}
	parsed := Parse(g.Language, raw, g.Files)
	clog.FromContext(ctx).Infof("Analyzer reported %d task(s) for group %s", len(parsed), g.Name)

	tasks := make([]Task, 0, len(parsed))
	for _, t := range parsed {
		rel := relativeTo(root, t.FilePath)
		if !slices.Contains(g.Files, rel) {
			// The style-diff mode does not filter on its own
			continue
		}
		tasks = append(tasks, Task{FilePath: rel, Text: stripRoot(t.Text, root)})
	}
	return tasks, nil
}

// RootPlaceholder stands in for the run's clone directory in analyzer text,
// so identical findings from different runs share a cache key.
const RootPlaceholder = "repository_root"

func stripRoot(text, root string) string {
	root = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(root)), "/")
	if root == "" || root == "." {
		return text
	}
	return strings.ReplaceAll(text, root, RootPlaceholder)
}

func relativeTo(root, path string) string {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path))
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func ignored(path string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, ".") {
			return true
		}
		if i < len(parts)-1 && slices.Contains(ignoredDirs, p) {
			return true
		}
	}
	return slices.Contains(ignoredFiles, parts[len(parts)-1])
}
