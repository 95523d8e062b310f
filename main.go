// Package main is the sentinel-cp entrypoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentinelproxy/sentinel-cp/internal/cmd/controlplane"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := controlplane.App().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
