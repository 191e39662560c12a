// deskagent-helper runs inside the logged-in user's session on behalf of
// the deskagent service. The service launches it with the channel name as
// its only argument; it connects back, then captures the screen and
// injects input on request until told to exit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xfeldman/deskagent/internal/config"
	"github.com/xfeldman/deskagent/internal/helper"
	"github.com/xfeldman/deskagent/internal/native"
	"github.com/xfeldman/deskagent/internal/pipe"
	"github.com/xfeldman/deskagent/internal/version"
)

func main() {
	if len(os.Args) != 2 || os.Args[1] == "" {
		fmt.Fprintln(os.Stderr, "usage: deskagent-helper <channel>")
		os.Exit(2)
	}
	name := os.Args[1]

	logger := config.DefaultConfig().NewLogger(os.Stderr).With("channel", name)
	logger.Info("deskagent-helper starting", "version", version.Info(), "pid", os.Getpid())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cctx, ccancel := context.WithTimeout(ctx, 30*time.Second)
	r, w, closeFn, err := helper.Connect(cctx, pipe.Default(), name, logger)
	ccancel()
	if err != nil {
		logger.Error("connect to agent", "error", err)
		os.Exit(1)
	}
	defer closeFn()

	// Unblock the pending read when a signal arrives.
	stop := context.AfterFunc(ctx, closeFn)
	defer stop()

	srv := helper.NewServer(native.New(), helper.QualityFromEnv(), logger)
	if err := srv.Serve(ctx, r, w); err != nil && ctx.Err() == nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
	logger.Info("deskagent-helper exiting")
}
