// Package shutdown turns SIGINT/SIGTERM into a cancelled context, the
// same signal set the teacher's run command waits on before tearing
// down.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Context returns a context cancelled the moment SIGINT or SIGTERM
// arrives, and a stop function the caller should defer to release the
// underlying signal.Notify registration.
func Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives and returns
// which one, for callers that want to print the signal name before
// shutting down. Context does not use it.
func WaitForSignal() os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	return <-ch
}
