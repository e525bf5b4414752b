package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// field is one "label  value" line in a text panel.
type field struct {
	label string
	value string
}

// renderPanel renders a titled block of aligned fields.
func renderPanel(title string, fields []field) string {
	width := 0
	for _, f := range fields {
		if w := lipgloss.Width(f.label); w > width {
			width = w
		}
	}
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		pad := strings.Repeat(" ", width-lipgloss.Width(f.label))
		lines = append(lines, fmt.Sprintf("%s%s  %s", mutedStyle.Render(f.label), pad, f.value))
	}
	body := panelStyle.Render(strings.Join(lines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), body)
}

// statusLabel renders ok in green and anything else in red.
func statusLabel(ok bool, text string) string {
	if ok {
		return okStyle.Render(text)
	}
	return errorStyle.Render(text)
}

// idList joins ids for display, or "-" when empty.
func idList(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}
