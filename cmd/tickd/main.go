package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickd/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./tickd.yaml", "path to config (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
