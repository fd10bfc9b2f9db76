package harness

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	colorRed   = 31
	colorGreen = 32

	highlightEscapeCode = "\033[%2dm"
	resetEscapeCode     = "\033[0m"
)

// Check is one of the conditions a tool verifies.
type Check struct {
	Name   string
	Passed bool
	// Detail explains a failure.
	Detail string
}

// Report is the outcome of a run of a tool.
type Report struct {
	Tool   string
	Checks []Check
}

// Add appends a check to the report.
func (r *Report) Add(name string, passed bool, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: detail})
}

// Passed returns true if the report has at least one check and all checks
// passed.
func (r *Report) Passed() bool {
	if len(r.Checks) == 0 {
		return false
	}
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// Print writes the report to w. Results are colored if w is a terminal.
func (r *Report) Print(w io.Writer) {
	color := false
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		color = true
		w = colorable.NewColorable(f)
	}
	status := func(passed bool) string {
		s, c := "FAIL", colorRed
		if passed {
			s, c = "ok", colorGreen
		}
		if !color {
			return s
		}
		return fmt.Sprintf(highlightEscapeCode, c) + s + resetEscapeCode
	}
	for _, c := range r.Checks {
		fmt.Fprintf(w, "%s: %-30s %s\n", r.Tool, c.Name, status(c.Passed))
		if !c.Passed && c.Detail != "" {
			fmt.Fprintf(w, "%s: \t%s\n", r.Tool, c.Detail)
		}
	}
	if r.Passed() {
		fmt.Fprintf(w, "%s: test completed successfully\n", r.Tool)
	} else {
		fmt.Fprintf(w, "%s: test failed\n", r.Tool)
	}
}
