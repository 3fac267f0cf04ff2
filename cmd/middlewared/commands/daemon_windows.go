//go:build windows

package commands

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("daemon mode is not supported on windows; use --foreground")

func isProcessRunning(string) (int, bool) { return 0, false }

func startDaemon(string, string) error { return errUnsupported }

func stopProcess(string, bool, time.Duration) error { return errUnsupported }
