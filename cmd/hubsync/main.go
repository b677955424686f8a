package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"hub-sync-service/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	os.Exit(cli.GetExitCode(err))
}
