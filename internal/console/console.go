// Package console answers terminal questions about standard streams.
package console

import (
	"io"
	"os"
)

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isTerminal(f.Fd())
}

// EnableColour reports whether ANSI colour can be written to f, enabling
// escape processing on consoles that need it.
func EnableColour(f *os.File) bool {
	if !IsTerminal(f) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return enableVT(f.Fd())
}

// StopInput returns the reader the run watches for a stop request. Input
// that is not a terminal is ignored so a closed or redirected stdin cannot
// stop the search.
func StopInput(f *os.File) io.Reader {
	if !IsTerminal(f) {
		return nil
	}
	return f
}
