//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package console

import "golang.org/x/sys/unix"

func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TIOCGETA) //nolint:gosec // G115: fd fits int
	return err == nil
}

func enableVT(uintptr) bool { return true }
