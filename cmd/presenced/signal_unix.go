// Shutdown signals on Unix-like systems: SIGINT from a terminal and SIGTERM
// from service managers (systemd, launchd). Both run the cleanup tasks
// before exit, the same as a host BEFORE_QUIT.

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// signalChannel returns a channel receiving SIGINT and SIGTERM.
func signalChannel() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}
