// Package main is the intrinsics calibration command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.viam.com/rgbd/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app := cli.NewCalibrateApp(os.Stdout, os.Stderr)
	if err := app.RunContext(ctx, os.Args); err != nil {
		//nolint:gocritic
		os.Exit(1)
	}
}
