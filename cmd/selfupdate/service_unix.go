//go:build !windows

package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
)

func isWindowsService() bool { return false }

// hasConsole reports whether stdout is connected to a terminal.
func hasConsole() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runAsService(_ func(context.Context) error) error {
	return fmt.Errorf("Windows service mode is not available on this platform")
}

// reopenSignals asks the daemon to reopen its log file, for logrotate.
func reopenSignals() []os.Signal { return []os.Signal{syscall.SIGHUP} }
