package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/willibrandon/nusign/cmd/nusign/cli"
	"github.com/willibrandon/nusign/cmd/nusign/commands"
)

// Version information (set via ldflags during build)
var (
	version = "0.0.0-dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date
	cli.BuiltBy = builtBy
	cli.SetupVersion()

	cli.AddCommand(commands.NewVersionCommand(cli.Console))
	cli.AddCommand(commands.NewSignCommand(cli.Console))
	cli.AddCommand(commands.NewVerifyCommand(cli.Console))
	cli.AddCommand(commands.NewRemoveSignatureCommand(cli.Console))
	cli.AddCommand(commands.NewTrustCommand(cli.Console))
	cli.AddCommand(commands.NewConfigCommand(cli.Console))
	cli.AddCommand(commands.NewKeychainCommand(cli.Console))

	// Cancellation reaches in-flight TSA and revocation requests.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cli.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130 // 128 + SIGINT
	case errors.Is(err, commands.ErrVerificationFailed):
		// Details were already printed.
		return 1
	default:
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
}
