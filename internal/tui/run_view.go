package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/conclave/internal/workflow/scheduler"
)

type layerResultMsg struct {
	result scheduler.LayerResult
}

type streamClosedMsg struct{}

// runView follows a LayerResult stream with a spinner until the scheduler
// closes it. Interrupting cancels the run; the view keeps draining so the
// cancelled layer is still shown.
type runView struct {
	title       string
	results     <-chan scheduler.LayerResult
	cancel      context.CancelFunc
	spinner     spinner.Model
	rendered    []string
	last        scheduler.LayerResult
	seen        bool
	done        bool
	interrupted bool
}

func newRunView(title string, results <-chan scheduler.LayerResult, cancel context.CancelFunc) *runView {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	return &runView{title: title, results: results, cancel: cancel, spinner: s}
}

func (v *runView) Init() tea.Cmd {
	return tea.Batch(v.spinner.Tick, v.waitForResult())
}

func (v *runView) waitForResult() tea.Cmd {
	results := v.results
	return func() tea.Msg {
		result, ok := <-results
		if !ok {
			return streamClosedMsg{}
		}
		return layerResultMsg{result: result}
	}
}

func (v *runView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.KeyMsg:
		switch m.String() {
		case "ctrl+c", "q", "esc":
			if v.done {
				return v, tea.Quit
			}
			if !v.interrupted {
				v.interrupted = true
				if v.cancel != nil {
					v.cancel()
				}
			}
		}
		return v, nil
	case layerResultMsg:
		v.last = m.result
		v.seen = true
		v.rendered = append(v.rendered, RenderLayer(m.result))
		return v, v.waitForResult()
	case streamClosedMsg:
		v.done = true
		return v, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(m)
		return v, cmd
	}
	return v, nil
}

func (v *runView) View() string {
	lines := []string{headingTextStyle.Render(v.title)}
	lines = append(lines, v.rendered...)
	switch {
	case v.done:
		lines = append(lines, "")
	case v.interrupted:
		lines = append(lines, fmt.Sprintf("%s cancelling…", v.spinner.View()))
	default:
		lines = append(lines, fmt.Sprintf("%s running layer %d…", v.spinner.View(), v.nextLayer()), detailTextStyle.Render("q=cancel run"))
	}
	return strings.Join(lines, "\n")
}

func (v *runView) nextLayer() int {
	if !v.seen {
		return 0
	}
	if v.last.Status == scheduler.LayerRerun {
		return v.last.LayerIndex
	}
	return v.last.LayerIndex + 1
}
