// Package power keeps the machine awake while a search runs.
package power

import "log/slog"

// Inhibitor holds a sleep inhibition until Release.
type Inhibitor struct {
	log    *slog.Logger
	active bool
}

// Inhibit asks the OS not to sleep. Failure is logged and otherwise
// ignored; platforms without support return an inactive inhibitor.
func Inhibit(log *slog.Logger) *Inhibitor {
	in := &Inhibitor{log: log}
	if err := inhibit(); err != nil {
		if log != nil {
			log.Warn("power: cannot prevent sleep", "err", err)
		}
		return in
	}
	in.active = true
	if log != nil {
		log.Debug("power: sleep inhibited")
	}
	return in
}

// Active reports whether sleep is currently inhibited.
func (in *Inhibitor) Active() bool { return in.active }

// Release lets the OS sleep again. It is safe to call more than once.
func (in *Inhibitor) Release() {
	if !in.active {
		return
	}
	in.active = false
	if err := release(); err != nil && in.log != nil {
		in.log.Warn("power: cannot restore sleep", "err", err)
	}
}
