// Package diagnostic turns raw static analysis output into lint tasks.
package diagnostic

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Language tags understood by Parse and Analyzer.
const (
	LanguagePython = "python"
	LanguageJava   = "java"
)

var (
	styleDiffPattern = regexp.MustCompile(`(?s)--- (.*?)\s.*?@@.*?\n(.*?)would reformat`)
	lineDiagPattern  = regexp.MustCompile(`^(.*\.java):\d+:\s+(.*)`)
)

// Task is one file plus the findings to address in it. Text is empty for
// files without analyzer coverage.
type Task struct {
	FilePath string
	Text     string
}

// Parse dispatches on the language tag. Unknown languages yield no tasks.
func Parse(language, raw string, changed []string) []Task {
	switch language {
	case LanguagePython:
		return ParseStyleDiff(raw)
	case LanguageJava:
		return ParseLineDiagnostics(raw, changed)
	default:
		return nil
	}
}

// ParseStyleDiff extracts one task per formatter hunk. Hunks for the same
// file are kept as separate tasks, in output order.
func ParseStyleDiff(raw string) []Task {
	var tasks []Task
	for _, m := range styleDiffPattern.FindAllStringSubmatch(raw, -1) {
		tasks = append(tasks, Task{FilePath: m[1], Text: m[2]})
	}
	return tasks
}

// ParseLineDiagnostics groups "path:line: message" lines by file in
// first-seen order. Only files named in changed are kept, so an empty or
// nil list keeps nothing.
func ParseLineDiagnostics(raw string, changed []string) []Task {
	var order []string
	messages := map[string][]string{}
	for _, line := range strings.Split(raw, "\n") {
		m := lineDiagPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		path, msg := m[1], m[2]
		if _, ok := messages[path]; !ok {
			order = append(order, path)
		}
		messages[path] = append(messages[path], msg)
	}

	var tasks []Task
	for _, path := range order {
		if !containsPath(changed, path) {
			continue
		}
		tasks = append(tasks, Task{FilePath: path, Text: strings.Join(messages[path], "\n")})
	}
	return tasks
}

// containsPath matches analyzer paths, which are usually absolute, against
// repository-relative changed-file paths.
func containsPath(changed []string, path string) bool {
	clean := filepath.ToSlash(filepath.Clean(path))
	return slices.ContainsFunc(changed, func(c string) bool {
		c = filepath.ToSlash(filepath.Clean(c))
		return c == clean || strings.HasSuffix(clean, "/"+c)
	})
}
