package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cmux-sh/cmux/internal/appclient"
	"github.com/cmux-sh/cmux/internal/cli"
	"github.com/cmux-sh/cmux/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.NewFromEnv()
	root := cli.NewRootCommand(cli.WithLogger(log))
	if err := root.ExecuteContext(ctx); err != nil {
		var reqErr *appclient.RequestError
		switch {
		case errors.Is(err, cli.ErrReported):
			// Envelope already printed to stdout under --json.
		case errors.As(err, &reqErr):
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", reqErr.Kind, reqErr.Message)
		default:
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
