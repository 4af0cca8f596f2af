package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"goa.design/lackey/runtime/chat/session"
	"goa.design/lackey/runtime/chat/transcript"
)

var (
	humanStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	aiStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7")).Background(lipgloss.Color("236")).Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// renderTranscript lays out the conversation for a viewport of the given
// width.
func renderTranscript(t transcript.Transcript, width int) string {
	if width < 10 {
		width = 10
	}
	var b strings.Builder
	for i, m := range t {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch m := m.(type) {
		case transcript.NormalMessage:
			label := aiStyle.Render("lackey")
			if m.Author == transcript.RoleHuman {
				label = humanStyle.Render("you")
			}
			b.WriteString(label)
			b.WriteByte('\n')
			b.WriteString(wordwrap.String(m.Content, width))
		case transcript.ToolMessage:
			b.WriteString(toolStyle.Render(wordwrap.String(toolLine(m), width)))
		}
	}
	return b.String()
}

func toolLine(m transcript.ToolMessage) string {
	args := "{}"
	if len(m.Call.Args) > 0 {
		if data, err := json.Marshal(m.Call.Args); err == nil {
			args = string(data)
		}
	}
	line := fmt.Sprintf("⚙ %s %s", m.Call.Name, args)
	if m.Call.Return == nil {
		return line + " … running"
	}
	return fmt.Sprintf("%s → %v", line, m.Call.Return)
}

// renderStatus builds the status bar.
func renderStatus(snap session.Snapshot, modelName, spin string, width int) string {
	state := "ready"
	switch {
	case snap.IsLoading:
		state = spin + " thinking"
	case snap.IsStreaming:
		state = spin + " streaming"
	}
	var hints []string
	for _, k := range CurrentKeyMap.hints() {
		h := k.Help()
		hints = append(hints, h.Key+" "+h.Desc)
	}
	left := fmt.Sprintf("%s │ %s", modelName, state)
	right := strings.Join(hints, " · ")
	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		return statusStyle.Width(max(width, 0)).Render(left)
	}
	return statusStyle.Render(left + strings.Repeat(" ", gap) + right)
}
