//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly && !windows

package console

func isTerminal(uintptr) bool { return false }

func enableVT(uintptr) bool { return false }
