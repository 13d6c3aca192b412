// Package progress persists the search cursor and the current record.
//
// The file is plain text, one "key value" pair per line:
//
//	# collatz progress
//	next 1000001
//	best 837799 524 device
//	tested 500000
//
// Lines starting with # are comments. Unknown keys are rejected.
package progress

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gogpu/collatz/internal/atomicfile"
	"github.com/gogpu/collatz/internal/records"
	"github.com/gogpu/collatz/internal/u128"
)

// ErrFormat is returned for malformed progress files.
var ErrFormat = errors.New("progress: malformed file")

// Load reads the state saved at path. A missing file returns an error
// matching os.ErrNotExist.
func Load(path string) (records.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return records.State{}, fmt.Errorf("progress: %w", err)
	}
	defer f.Close()
	st, err := Parse(f)
	if err != nil {
		return records.State{}, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

// Save replaces the file at path with st.
func Save(path string, st records.State) error {
	var buf bytes.Buffer
	if err := Format(&buf, st); err != nil {
		return err
	}
	if err := atomicfile.Write(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("progress: %w", err)
	}
	return nil
}

// Format writes st in the file format.
func Format(w io.Writer, st records.State) error {
	_, err := fmt.Fprintf(w, "# collatz progress\nnext %s\nbest %s %d %s\ntested %d\n",
		st.Next, st.Best.Value, st.Best.Steps, st.Best.Source, st.Tested)
	return err
}

// Parse reads a state in the file format. The next and best keys are
// required; the cursor must be odd.
func Parse(r io.Reader) (records.State, error) {
	var st records.State
	var haveNext, haveBest bool
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		var err error
		switch fields[0] {
		case "next":
			if len(fields) != 2 {
				err = ErrFormat
				break
			}
			st.Next, err = u128.Parse(fields[1])
			haveNext = true
		case "best":
			st.Best, err = parseRecord(fields[1:])
			haveBest = true
		case "tested":
			if len(fields) != 2 {
				err = ErrFormat
				break
			}
			st.Tested, err = strconv.ParseUint(fields[1], 10, 64)
		default:
			err = fmt.Errorf("%w: unknown key %q", ErrFormat, fields[0])
		}
		if err != nil {
			return records.State{}, fmt.Errorf("progress: line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return records.State{}, fmt.Errorf("progress: %w", err)
	}
	if !haveNext || !haveBest {
		return records.State{}, fmt.Errorf("%w: next and best are required", ErrFormat)
	}
	if !st.Next.IsOdd() {
		return records.State{}, fmt.Errorf("progress: cursor %s: %w", st.Next, records.ErrEvenStart)
	}
	return st, nil
}

func parseRecord(fields []string) (records.Record, error) {
	if len(fields) != 3 {
		return records.Record{}, fmt.Errorf("%w: best needs value, steps and source", ErrFormat)
	}
	var r records.Record
	var err error
	if r.Value, err = u128.Parse(fields[0]); err != nil {
		return r, err
	}
	steps, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return r, err
	}
	r.Steps = uint32(steps)
	switch fields[2] {
	case records.SourceSeed.String():
		r.Source = records.SourceSeed
	case records.SourceDevice.String():
		r.Source = records.SourceDevice
	case records.SourceDoubling.String():
		r.Source = records.SourceDoubling
	default:
		return r, fmt.Errorf("%w: unknown source %q", ErrFormat, fields[2])
	}
	return r, nil
}
