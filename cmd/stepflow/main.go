package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/stepflow/internal/cli"
)

func main() {
	// SIGINT/SIGTERM stop new dispatch; in-flight steps finish and the
	// runner's deferred release still runs.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run keeps the real logic out of main for easier testing.
func run(ctx context.Context, args []string) error {
	return cli.ExecuteContext(ctx, os.Stdout, args)
}
