// Shutdown signals on Windows. Only os.Interrupt exists; the runtime maps
// CTRL_BREAK and console close events onto it.

//go:build windows

package main

import (
	"os"
	"os/signal"
)

// signalChannel returns a channel receiving os.Interrupt.
func signalChannel() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch
}
