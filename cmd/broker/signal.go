package main

import (
	"context"
	"os/signal"
	"syscall"
)

// newSignalContext returns a context canceled on SIGINT or SIGTERM, the
// broker's two shutdown triggers (spec.md §4.7).
func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
