package power

import (
	"errors"

	"golang.org/x/sys/windows"
)

// SetThreadExecutionState flags.
const (
	esContinuous     = 0x80000000
	esSystemRequired = 0x00000001
)

var procSetThreadExecutionState = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadExecutionState")

var errExecutionState = errors.New("power: SetThreadExecutionState failed")

func setExecutionState(flags uintptr) error {
	if err := procSetThreadExecutionState.Find(); err != nil {
		return err
	}
	prev, _, _ := procSetThreadExecutionState.Call(flags)
	if prev == 0 {
		return errExecutionState
	}
	return nil
}

func inhibit() error { return setExecutionState(esContinuous | esSystemRequired) }

func release() error { return setExecutionState(esContinuous) }
