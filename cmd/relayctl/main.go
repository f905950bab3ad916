// Package main is the entry point for relayctl, the command-line front end
// of the jobrelay dispatch layer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"jobrelay/cmd/relayctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
