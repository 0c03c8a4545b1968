// Package report renders scenario step outcomes for humans. The orchestrator
// emits structured outcomes; everything about color and layout lives here.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/patternprobe/patternprobe/internal/scenario"
)

const (
	reset  = "\033[0m"
	green  = "\033[32m"
	red    = "\033[31m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
)

// Console writes a step-by-step trace to w, colored when w is a terminal.
type Console struct {
	w     io.Writer
	color bool
}

// NewConsole creates a reporter writing to stdout.
func NewConsole() *Console {
	return &Console{
		w:     os.Stdout,
		color: isatty.IsTerminal(os.Stdout.Fd()),
	}
}

// NewConsoleWriter creates a reporter writing to w with color forced on or off.
func NewConsoleWriter(w io.Writer, color bool) *Console {
	return &Console{w: w, color: color}
}

func (c *Console) paint(color, s string) string {
	if !c.color {
		return s
	}
	return color + s + reset
}

func (c *Console) line(color, prefix, msg string) {
	fmt.Fprintf(c.w, "%s %s\n", c.paint(color, "["+prefix+"]"), msg)
}

// Banner prints a scenario header.
func (c *Console) Banner(title string) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(c.w, c.paint(cyan, rule))
	fmt.Fprintln(c.w, c.paint(cyan, title))
	fmt.Fprintln(c.w, c.paint(cyan, rule))
}

// Info prints an informational line outside the step lifecycle.
func (c *Console) Info(msg string) { c.line(blue, "INFO", msg) }

// StepStart implements scenario.Reporter.
func (c *Console) StepStart(name string) {
	c.line(cyan, "TEST", name)
}

// StepDone implements scenario.Reporter.
func (c *Console) StepDone(out scenario.Outcome) {
	switch out.Status {
	case scenario.StatusPass:
		c.line(green, "SUCCESS", stepLine(out))
	case scenario.StatusWarn:
		c.line(yellow, "WARN", stepLine(out))
	case scenario.StatusFail:
		c.line(red, "ERROR", stepLine(out))
	case scenario.StatusSkip:
		c.line(yellow, "SKIP", out.Step)
	}
}

// Result prints the final verdict.
func (c *Console) Result(passed bool) {
	if passed {
		c.Banner("All steps completed successfully")
		return
	}
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(c.w, c.paint(red, rule))
	fmt.Fprintln(c.w, c.paint(red, "Scenario failed"))
	fmt.Fprintln(c.w, c.paint(red, rule))
}

func stepLine(out scenario.Outcome) string {
	var b strings.Builder
	b.WriteString(out.Step)
	if out.Detail != "" {
		b.WriteString(": ")
		b.WriteString(out.Detail)
	}
	if out.Err != nil {
		b.WriteString(" (")
		b.WriteString(out.Err.Error())
		b.WriteString(")")
	}
	return b.String()
}
