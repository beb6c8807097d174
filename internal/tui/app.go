// internal/tui/app.go
//
// Terminal output for conclave runs. A run streams one LayerResult per layer
// evaluation; Watch either prints each result as it arrives or, on a
// terminal, follows the stream in a bubbletea view with a spinner.

package tui

import (
	"context"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/kingrea/conclave/internal/workflow/scheduler"
)

// Mode picks how a run is displayed.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModePlain       Mode = "plain"
	ModeInteractive Mode = "interactive"
)

// Outcome summarises a watched stream.
type Outcome struct {
	// Last is the final result received, valid when Received > 0.
	Last     scheduler.LayerResult
	Received int
}

// Proceeded reports whether the stream ended with the last layer PROCEEDing.
func (o Outcome) Proceeded() bool {
	return o.Received > 0 && o.Last.Final && o.Last.Succeeded()
}

// Printer writes each result as plain styled text.
type Printer struct {
	out io.Writer
}

// NewPrinter returns a printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Print writes one result.
func (p *Printer) Print(r scheduler.LayerResult) {
	fmt.Fprintln(p.out, RenderLayer(r))
}

// Stream prints results until the channel closes.
func (p *Printer) Stream(results <-chan scheduler.LayerResult) Outcome {
	var outcome Outcome
	for r := range results {
		p.Print(r)
		outcome.Last = r
		outcome.Received++
	}
	return outcome
}

// Watch displays results until the stream closes. cancel aborts the run from
// the interactive view and may be nil.
func Watch(ctx context.Context, out io.Writer, mode Mode, title string, results <-chan scheduler.LayerResult, cancel context.CancelFunc) (Outcome, error) {
	if !useInteractive(out, mode) {
		fmt.Fprintln(out, headingTextStyle.Render(title))
		return NewPrinter(out).Stream(results), nil
	}
	view := newRunView(title, results, cancel)
	program := tea.NewProgram(view, tea.WithContext(ctx), tea.WithOutput(out))
	_, err := program.Run()
	outcome := Outcome{Last: view.last, Received: len(view.rendered)}
	if err != nil || !view.done {
		// The program stopped early; keep printing so the scheduler is never
		// blocked on an unread channel.
		rest := NewPrinter(out).Stream(results)
		if rest.Received > 0 {
			outcome.Last = rest.Last
			outcome.Received += rest.Received
		}
		if err != nil && ctx.Err() == nil {
			return outcome, fmt.Errorf("tui: run view: %w", err)
		}
	}
	return outcome, nil
}

func useInteractive(out io.Writer, mode Mode) bool {
	switch mode {
	case ModeInteractive:
		return true
	case ModePlain:
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
