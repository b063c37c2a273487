// Package main implements presencectl, the command-line companion to
// presenced. It reads resolved presence from the shared store, follows a
// live roster, and drives the local daemon over its host socket the same
// way a desktop shell would.
package main

import (
	"context"
	"os"
	"os/signal"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(newRunner(os.Stdout, os.Stderr).Run(ctx, os.Args[1:]))
}
