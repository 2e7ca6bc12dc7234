// Package sink holds harness.Reporter implementations.
package sink

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/ensemble/internal/harness"
)

// TAP writes tape-style TAP version 13. Colors are used only when w is a
// terminal that supports them.
type TAP struct {
	w io.Writer
	n int

	okStyle    lipgloss.Style
	failStyle  lipgloss.Style
	skipStyle  lipgloss.Style
	warnStyle  lipgloss.Style
	titleStyle lipgloss.Style
	dimStyle   lipgloss.Style
}

var _ harness.Reporter = (*TAP)(nil)

func NewTAP(w io.Writer) *TAP {
	r := lipgloss.NewRenderer(w)
	s := &TAP{
		w:          w,
		okStyle:    r.NewStyle().Foreground(lipgloss.Color("42")),
		failStyle:  r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		skipStyle:  r.NewStyle().Foreground(lipgloss.Color("241")),
		warnStyle:  r.NewStyle().Foreground(lipgloss.Color("214")),
		titleStyle: r.NewStyle().Bold(true),
		dimStyle:   r.NewStyle().Foreground(lipgloss.Color("241")),
	}
	fmt.Fprintln(w, "TAP version 13")
	return s
}

func (s *TAP) OnScenarioStart(name string) {
	fmt.Fprintln(s.w, s.titleStyle.Render("# "+name))
}

func (s *TAP) OnAssertion(_ string, a harness.Assertion) {
	s.n++
	if a.Passed {
		fmt.Fprintf(s.w, "%s %d %s\n", s.okStyle.Render("ok"), s.n, a.Detail)
		return
	}
	fmt.Fprintf(s.w, "%s %d %s\n", s.failStyle.Render("not ok"), s.n, a.Detail)
	if a.Location != "" {
		fmt.Fprintf(s.w, "  ---\n    at: %s\n  ...\n", a.Location)
	}
}

func (s *TAP) OnScenarioEnd(r *harness.ScenarioReport) {
	switch {
	case r.Status == harness.StatusSkipped:
		s.n++
		fmt.Fprintf(s.w, "%s %d %s %s\n", s.okStyle.Render("ok"), s.n, r.Name, s.skipStyle.Render("# SKIP"))
	case r.Error != "":
		s.n++
		fmt.Fprintf(s.w, "%s %d %s\n", s.failStyle.Render("not ok"), s.n, r.Name)
		fmt.Fprintf(s.w, "  ---\n    kind: %s\n    error: %s\n  ...\n", r.FailureKind, oneLine(r.Error))
	}
	if r.Vacuous {
		fmt.Fprintln(s.w, s.warnStyle.Render(fmt.Sprintf("# warning: %s made no assertions", r.Name)))
	}
	if r.TeardownError != "" {
		fmt.Fprintln(s.w, s.warnStyle.Render("# teardown: "+oneLine(r.TeardownError)))
	}
}

func (s *TAP) OnRunEnd(r *harness.RunReport) {
	if r.Aborted {
		fmt.Fprintln(s.w, s.failStyle.Render("Bail out! "+oneLine(r.Error)))
		return
	}

	sum := r.Summary()
	fmt.Fprintf(s.w, "\n1..%d\n", s.n)
	fmt.Fprintf(s.w, "# scenarios %d\n", sum.Total)
	fmt.Fprintf(s.w, "# pass  %d\n", sum.Passed)
	if sum.Failed > 0 {
		fmt.Fprintln(s.w, s.failStyle.Render(fmt.Sprintf("# fail  %d", sum.Failed)))
	}
	if sum.Skipped > 0 {
		fmt.Fprintf(s.w, "# skip  %d\n", sum.Skipped)
	}
	if sum.Vacuous > 0 {
		fmt.Fprintln(s.w, s.warnStyle.Render(fmt.Sprintf("# vacuous %d", sum.Vacuous)))
	}

	fmt.Fprintln(s.w, "#")
	for _, sc := range r.Scenarios {
		line := fmt.Sprintf("# %-7s %s", sc.Status, sc.Name)
		if f, ok := sc.FirstFailure(); ok && sc.Status == harness.StatusFailed {
			line += ": " + oneLine(f.Detail)
			if f.Location != "" {
				line += " (" + f.Location + ")"
			}
		}
		switch sc.Status {
		case harness.StatusFailed:
			line = s.failStyle.Render(line)
		case harness.StatusSkipped:
			line = s.dimStyle.Render(line)
		}
		fmt.Fprintln(s.w, line)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
