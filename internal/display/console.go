package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"example.com/backstage/services/endpoint/internal/core"
	"github.com/charmbracelet/lipgloss"
)

const barWidth = 20

// ConsoleSink renders one styled line per event, standing in for the
// device's panel.
type ConsoleSink struct {
	out io.Writer
	mu  sync.Mutex

	stageStyle lipgloss.Style
	barStyle   lipgloss.Style
	textStyle  lipgloss.Style
	doneStyle  lipgloss.Style
	errorStyle lipgloss.Style
}

func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{
		out: out,
		stageStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Width(12),
		barStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")),
		textStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		doneStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10")),
		errorStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9")),
	}
}

func (c *ConsoleSink) Show(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.Render(ev))
}

// Render formats ev without writing it.
func (c *ConsoleSink) Render(ev Event) string {
	stage := c.stageStyle.Render(ev.Stage.String())

	switch {
	case ev.Stage == core.StageError:
		msg := ev.Message
		if ev.Error != "" {
			msg = fmt.Sprintf("%s (%s)", msg, ev.Error)
		}
		return stage + " " + c.errorStyle.Render(msg)
	case ev.Stage == core.StageCompleted:
		return stage + " " + c.barStyle.Render(bar(100)) + " " + c.doneStyle.Render(ev.Message)
	default:
		return stage + " " + c.barStyle.Render(bar(ev.Progress)) + " " + c.textStyle.Render(ev.Message)
	}
}

func bar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * barWidth / 100
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat(".", barWidth-filled), percent)
}
