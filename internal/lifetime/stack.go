// Package lifetime provides teardown stacks for GPU objects.
//
// Every setup stage pushes a release function right after it creates an
// object. If the stage fails, it unwinds its own stack; if it succeeds, the
// stack moves into the object that owns the resources and unwinds when that
// object is destroyed. Release functions always run in reverse push order.
package lifetime

import (
	"log/slog"
)

type entry struct {
	label   string
	release func()
}

// Stack is a LIFO list of release functions. The zero value is ready to use.
// A Stack is not safe for concurrent use.
type Stack struct {
	entries []entry
	log     *slog.Logger
}

// New returns a stack that reports pushes and releases to log at debug
// level. A nil logger disables reporting.
func New(log *slog.Logger) *Stack {
	return &Stack{log: log}
}

// Push records release under label.
func (s *Stack) Push(label string, release func()) {
	s.entries = append(s.entries, entry{label: label, release: release})
	if s.log != nil {
		s.log.Debug("lifetime: acquired", "resource", label, "live", len(s.entries))
	}
}

// Len returns the number of live entries.
func (s *Stack) Len() int { return len(s.entries) }

// Unwind releases every entry in reverse order and empties the stack.
func (s *Stack) Unwind() {
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		s.entries = s.entries[:i]
		e.release()
		if s.log != nil {
			s.log.Debug("lifetime: released", "resource", e.label, "live", i)
		}
	}
}

// UnwindOnError unwinds the stack if *errp is non-nil. It is meant to be
// deferred by a setup function with a named error result.
func (s *Stack) UnwindOnError(errp *error) {
	if *errp != nil {
		s.Unwind()
	}
}

// Move transfers every entry into a new stack and leaves s empty, so a
// deferred UnwindOnError on s becomes a no-op.
func (s *Stack) Move() *Stack {
	out := &Stack{entries: s.entries, log: s.log}
	s.entries = nil
	return out
}
