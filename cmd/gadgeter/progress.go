package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const barWidth = 30

var (
	barDone  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	barTodo  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	barLabel = lipgloss.NewStyle().Bold(true)
)

// progressPrinter renders pipeline progress. On a terminal it redraws a
// single styled bar; elsewhere it prints one plain line per update.
type progressPrinter struct {
	w    io.Writer
	tty  bool
	last string
	open bool
}

func (p *progressPrinter) update(msg string, fraction float64) {
	if !p.tty {
		if msg != p.last {
			fmt.Fprintf(p.w, "%3.0f%% %s\n", fraction*100, msg)
			p.last = msg
		}
		return
	}
	fmt.Fprintf(p.w, "\r\033[K%s %s %s", renderBar(fraction), barLabel.Render(fmt.Sprintf("%3.0f%%", fraction*100)), msg)
	p.open = true
}

// finish ends a redrawn bar line so later output starts on a new line.
func (p *progressPrinter) finish() {
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

func renderBar(fraction float64) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	n := int(fraction * barWidth)
	return barDone.Render(strings.Repeat("█", n)) + barTodo.Render(strings.Repeat("░", barWidth-n))
}
