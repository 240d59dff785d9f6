// Command portainerctl installs and manages a Portainer deployment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	// PersistentPostRun is skipped when a command fails.
	closeStore()

	if err != nil && !errors.Is(err, engine.ErrAborted) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process status. A declined
// confirmation is a clean exit.
func exitCode(err error) int {
	if err == nil || errors.Is(err, engine.ErrAborted) {
		return 0
	}
	return 1
}
