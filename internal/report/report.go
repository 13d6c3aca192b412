// Package report formats run output for people.
//
// Numbers are grouped according to the printer's language. Colour is plain
// ANSI and only used when the caller says the output is a terminal.
package report

import (
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/collatz/internal/records"
	"github.com/gogpu/collatz/internal/schedule"
	"github.com/gogpu/collatz/internal/u128"
)

const (
	ansiBold  = "\x1b[1m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

// Printer writes reports to one writer.
type Printer struct {
	w      io.Writer
	p      *message.Printer
	colour bool
}

// New returns a printer for w. tag selects digit grouping; colour enables
// ANSI highlighting of records.
func New(w io.Writer, tag language.Tag, colour bool) *Printer {
	return &Printer{w: w, p: message.NewPrinter(tag), colour: colour}
}

func (p *Printer) highlight(s string) string {
	if !p.colour {
		return s
	}
	return ansiBold + ansiGreen + s + ansiReset
}

// Record prints one record line.
func (p *Printer) Record(r records.Record) {
	line := p.p.Sprintf("record: %s takes %d steps (%s)", Group(r.Value, p.p), r.Steps, r.Source.String())
	p.p.Fprintln(p.w, p.highlight(line))
}

// Summary prints the end of run report.
func (p *Printer) Summary(start u128.Uint128, res schedule.Result) {
	st := res.State
	p.p.Fprintf(p.w, "stopped: %s after %d rounds in %v\n", res.Stopped.String(), res.Rounds, res.Elapsed.Round(time.Millisecond))
	p.p.Fprintf(p.w, "range: %s to %s\n", Group(start, p.p), Group(st.Next, p.p))
	p.p.Fprintf(p.w, "tested: %d odd values", st.Tested)
	if secs := res.Elapsed.Seconds(); secs > 0 {
		p.p.Fprintf(p.w, " (%.0f per second)", float64(st.Tested)/secs)
	}
	p.p.Fprintln(p.w)
	if res.Dispatches > 0 {
		avg := res.DispatchTime / time.Duration(res.Dispatches)
		p.p.Fprintf(p.w, "dispatch: %v average over %d dispatches\n", avg, res.Dispatches)
	}
	if res.Transfers > 0 {
		avg := res.TransferTime / time.Duration(res.Transfers)
		p.p.Fprintf(p.w, "transfer: %v average over %d transfers\n", avg, res.Transfers)
	}
	p.p.Fprintf(p.w, "new records: %d\n", len(res.Records))
	p.p.Fprintf(p.w, "best: %s takes %d steps\n", Group(st.Best.Value, p.p), st.Best.Steps)
}

// Group formats v with the printer's digit grouping. Values that fit in 64
// bits go through the printer; wider values are grouped by hand with the
// printer's separator.
func Group(v u128.Uint128, p *message.Printer) string {
	if v.Hi == 0 {
		return p.Sprintf("%d", v.Lo)
	}
	sep := separator(p)
	s := v.String()
	out := make([]byte, 0, len(s)+len(s)/3*len(sep))
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, sep...)
		}
		out = append(out, s[i])
	}
	return string(out)
}

// separator extracts the grouping separator the printer uses.
func separator(p *message.Printer) string {
	s := p.Sprintf("%d", 1000)
	if len(s) <= 4 {
		return ""
	}
	return s[1 : len(s)-3]
}
