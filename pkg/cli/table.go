package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the color scheme for terminal output.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
}

// DefaultTheme is bright green on dim gray.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles are derived from a Theme.
type Styles struct {
	Header lipgloss.Style
	Border lipgloss.Style
	Cell   lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Dim),
		Cell:   lipgloss.NewStyle(),
	}
}

// Tabler is implemented by results that have a table form.
type Tabler interface {
	Table() Table
}

// Table is a bordered grid of cells.
type Table struct {
	Styles  Styles
	Headers []string
	Rows    [][]string

	// MaxWidth truncates cells wider than it. Zero means no limit.
	MaxWidth int
}

// Render returns the table as a string without a trailing newline.
func (t Table) Render() string {
	cols := len(t.Headers)
	for _, r := range t.Rows {
		cols = max(cols, len(r))
	}
	if cols == 0 {
		return ""
	}
	cell := func(row []string, i int) string {
		if i >= len(row) {
			return ""
		}
		s := row[i]
		if t.MaxWidth > 1 && lipgloss.Width(s) > t.MaxWidth {
			s = truncateString(s, t.MaxWidth-1) + "…"
		}
		return s
	}

	widths := make([]int, cols)
	for i := range widths {
		widths[i] = lipgloss.Width(cell(t.Headers, i))
		for _, r := range t.Rows {
			widths[i] = max(widths[i], lipgloss.Width(cell(r, i)))
		}
	}

	bc := t.Styles.Border
	rule := func(left, mid, right string) string {
		parts := make([]string, cols)
		for i, w := range widths {
			parts[i] = strings.Repeat("─", w+2)
		}
		return bc.Render(left + strings.Join(parts, mid) + right)
	}
	line := func(row []string, style lipgloss.Style) string {
		var b strings.Builder
		b.WriteString(bc.Render("│"))
		for i, w := range widths {
			s := cell(row, i)
			b.WriteString(" " + style.Render(s) + strings.Repeat(" ", w-lipgloss.Width(s)) + " ")
			b.WriteString(bc.Render("│"))
		}
		return b.String()
	}

	lines := []string{rule("╭", "┬", "╮")}
	if len(t.Headers) > 0 {
		lines = append(lines, line(t.Headers, t.Styles.Header), rule("├", "┼", "┤"))
	}
	for _, r := range t.Rows {
		lines = append(lines, line(r, t.Styles.Cell))
	}
	lines = append(lines, rule("╰", "┴", "╯"))
	return strings.Join(lines, "\n")
}

// truncateString truncates s to width display columns.
func truncateString(s string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(s)
	current := 0
	for i, r := range runes {
		w := lipgloss.Width(string(r))
		if current+w > width {
			return string(runes[:i])
		}
		current += w
	}
	return s
}
