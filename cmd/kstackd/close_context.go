package main

import (
	"context"
	"time"
)

// closeContext returns a context for stack shutdown.
//
// timeout <= 0 means "wait indefinitely for the run group to unwind",
// deferring entirely to ctx cancellation from the signal handler.
func closeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
