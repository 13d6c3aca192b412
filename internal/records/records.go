// Package records reduces returned step counts into the running Collatz
// record and its history.
//
// The search only dispatches odd start values, two apart. A batch that
// starts at s therefore covers s, s+2, ..., s+2(n-1), and the even values
// in between are never computed on the device. The one even value that can
// be a record is exactly twice the current record: steps(2r) = steps(r)+1.
// Reduce recognizes that case from the carried state without any device
// work.
package records

import (
	"errors"
	"fmt"

	"github.com/gogpu/collatz/internal/u128"
)

// Errors returned by Tracker.
var (
	// ErrBatchGap is returned when a batch starts past the cursor.
	ErrBatchGap = errors.New("records: batch leaves a gap after the cursor")

	// ErrEvenStart is returned when a batch starts on an even value.
	ErrEvenStart = errors.New("records: batch start must be odd")
)

// Count values with special meaning in device output.
const (
	// NotComputed marks a lane whose trajectory left the iteration width.
	NotComputed uint16 = 0

	// Saturated marks a lane that hit the step limit.
	Saturated uint16 = 0xFFFF
)

// Source tells how a record was found.
type Source uint8

const (
	// SourceSeed is the assumed record the search starts from.
	SourceSeed Source = iota
	// SourceDevice is a step count computed on the device.
	SourceDevice
	// SourceDoubling is a record derived as twice a previous record.
	SourceDoubling
)

func (s Source) String() string {
	switch s {
	case SourceSeed:
		return "seed"
	case SourceDevice:
		return "device"
	case SourceDoubling:
		return "doubling"
	}
	return fmt.Sprintf("Source(%d)", uint8(s))
}

// Record is one (value, steps) pair.
type Record struct {
	Value  u128.Uint128
	Steps  uint32
	Source Source
}

// State is everything Reduce carries between batches.
type State struct {
	// Next is the first odd value not yet reduced.
	Next u128.Uint128
	// Best is the current record.
	Best Record
	// Tested counts reduced lanes.
	Tested uint64
}

// Seed returns the initial state for a search starting at start with best
// as the assumed record. Records from the seed never feed the doubling
// shortcut, since the seed is not known to be a record.
func Seed(start u128.Uint128, best Record) State {
	best.Source = SourceSeed
	return State{Next: start, Best: best}
}

// Reduce folds one batch of counts starting at start into st. It returns
// the new state and the records found, in increasing value order. Reduce
// does not check that start matches st.Next; Tracker does.
func Reduce(st State, start u128.Uint128, counts []uint16) (State, []Record) {
	var found []Record
	v := start
	for _, c := range counts {
		if st.Best.Source != SourceSeed {
			double, lost := st.Best.Value.Double()
			if !lost && double == v.Sub64(1) {
				r := Record{Value: double, Steps: st.Best.Steps + 1, Source: SourceDoubling}
				st.Best = r
				found = append(found, r)
			}
		}
		if c != NotComputed && uint32(c) > st.Best.Steps {
			r := Record{Value: v, Steps: uint32(c), Source: SourceDevice}
			st.Best = r
			found = append(found, r)
		}
		v = v.Add64(2)
	}
	st.Next = v
	st.Tested += uint64(len(counts))
	return st, found
}

// Tracker holds the carried state and the append-only history.
// It is not safe for concurrent use.
type Tracker struct {
	state   State
	history []Record
}

// NewTracker returns a tracker starting from st. The history begins with
// st.Best.
func NewTracker(st State) *Tracker {
	return &Tracker{state: st, history: []Record{st.Best}}
}

// Consume reduces counts for the batch starting at start. A batch that
// starts below the cursor was already consumed and is ignored.
func (t *Tracker) Consume(start u128.Uint128, counts []uint16) ([]Record, error) {
	if !start.IsOdd() {
		return nil, ErrEvenStart
	}
	switch start.Cmp(t.state.Next) {
	case -1:
		return nil, nil
	case 1:
		return nil, fmt.Errorf("%w: start %s, cursor %s", ErrBatchGap, start, t.state.Next)
	}
	st, found := Reduce(t.state, start, counts)
	t.state = st
	t.history = append(t.history, found...)
	return found, nil
}

// State returns the carried state.
func (t *Tracker) State() State { return t.state }

// Best returns the current record.
func (t *Tracker) Best() Record { return t.state.Best }

// History returns a copy of every record seen, seed first.
func (t *Tracker) History() []Record {
	out := make([]Record, len(t.history))
	copy(out, t.history)
	return out
}
