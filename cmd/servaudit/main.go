package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/servaudit/servaudit/internal/cli"
	"github.com/servaudit/servaudit/internal/pkg/errors"
)

func main() {
	// First signal cancels the context so a running cycle can checkpoint;
	// a second signal kills the process the usual way
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errors.ExitCodeOf(err))
	}
}
