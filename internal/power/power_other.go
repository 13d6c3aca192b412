//go:build !windows

package power

func inhibit() error { return nil }

func release() error { return nil }
