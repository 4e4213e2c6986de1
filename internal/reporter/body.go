package reporter

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/codementor-bot/codementor/internal/pipeline"
)

const progressWidth = 20

// ProgressBar renders the progress comment body.
func ProgressBar(percent float64, status string) string {
	percent = math.Max(0, math.Min(100, percent))
	filled := int(math.Round(percent / 100 * progressWidth))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressWidth-filled)

	body := fmt.Sprintf("**Codementor progress:** `%s` %.0f%%", bar, percent)
	if status != "" {
		body += "\n\n" + status
	}
	return body
}

// Body renders the summary comment: title, summary, the files each stage
// changed, and any stage failures.
func Body(title, summary string, memory pipeline.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n%s\n", title, summary)

	if table := changedFiles(memory); table != "" {
		b.WriteString("\n### Changed files\n\n")
		b.WriteString(table)
	}
	if len(memory.Errors) > 0 {
		b.WriteString("\n### Incomplete stages\n\n")
		for _, e := range memory.Errors {
			fmt.Fprintf(&b, "- %s: %v\n", e.Stage, e.Err)
		}
	}
	return b.String()
}

func changedFiles(memory pipeline.Memory) string {
	type row struct{ stage, path, explanation string }
	var rows []row
	for _, slot := range []struct {
		name   string
		result []string
		expl   []string
	}{
		{"Merge", memory.Merge.FilePaths, memory.Merge.Explanations},
		{"Code quality", memory.Quality.FilePaths, memory.Quality.Explanations},
	} {
		for i, p := range slot.result {
			var e string
			if i < len(slot.expl) {
				e = oneLine(slot.expl[i])
			}
			rows = append(rows, row{slot.name, p, e})
		}
	}
	if len(rows) == 0 {
		return ""
	}

	var buf bytes.Buffer
	table := newMarkdownTable([]string{"Stage", "File", "Change"}, &buf)
	for _, r := range rows {
		_ = table.Append([]string{r.stage, "`" + r.path + "`", r.explanation})
	}
	_ = table.Render()
	return buf.String()
}

func newMarkdownTable(headers []string, buf *bytes.Buffer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(buf,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

// oneLine keeps a table cell on one line.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
