// deskagent is the endpoint agent's remote desktop service.
//
// It runs in the service session, launches deskagent-helper into the
// logged-in user's session when it cannot reach the desktop itself, and
// takes commands over a local control API on a unix socket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/pflag"

	"github.com/xfeldman/deskagent/internal/api"
	"github.com/xfeldman/deskagent/internal/client"
	"github.com/xfeldman/deskagent/internal/command"
	"github.com/xfeldman/deskagent/internal/config"
	"github.com/xfeldman/deskagent/internal/desktop"
	"github.com/xfeldman/deskagent/internal/eventlog"
	"github.com/xfeldman/deskagent/internal/journal"
	"github.com/xfeldman/deskagent/internal/launcher"
	"github.com/xfeldman/deskagent/internal/native"
	"github.com/xfeldman/deskagent/internal/pipe"
	"github.com/xfeldman/deskagent/internal/version"
)

// journalRetention is how long session journal rows are kept.
const journalRetention = 30 * 24 * time.Hour

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("deskagent", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	socketPath := flags.String("socket", "", "control API socket (overrides socket_path)")
	debug := flags.Bool("debug", false, "log at debug level")
	flags.Usage = func() { usage(flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	rest := flags.Args()
	sub := "serve"
	if len(rest) > 0 {
		sub, rest = rest[0], rest[1:]
	}

	switch sub {
	case "serve":
		return serve(cfg)
	case "send":
		return send(cfg, rest)
	case "status":
		return status(cfg)
	case "version":
		fmt.Println("deskagent", version.Info())
		return nil
	case "help":
		usage(flags)
		return nil
	default:
		usage(flags)
		return fmt.Errorf("unknown command %q", sub)
	}
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `deskagent runs the remote desktop service of the endpoint agent.

Usage:
  deskagent [flags] [serve]                            run the agent
  deskagent [flags] send <action> <sessionId> [json]   submit one command
  deskagent [flags] status                             show daemon status
  deskagent version

Actions:
  start, stop, frame, mousemove, mouseclick, mousedown, mouseup,
  keydown, keyup, keypress

Flags:
%s`, flags.FlagUsages())
}

func serve(cfg *config.Config) error {
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, "deskagent.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("another deskagent is already using %s", cfg.DataDir)
	}
	defer lock.Unlock()

	logger.Info("deskagent starting", "version", version.Info(), "helper", cfg.HelperPath())

	db, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer db.Close()
	if n, err := db.Prune(context.Background(), time.Now().Add(-journalRetention)); err != nil {
		logger.Warn("prune journal", "error", err)
	} else if n > 0 {
		logger.Info("pruned journal", "rows", n)
	}

	events := eventlog.NewStore(cfg.EventsDir)
	defer events.Close()

	bridge := native.New()
	helpers := launcher.New(bridge, pipe.Default(), logger.With("component", "launcher"))
	reg := desktop.NewRegistry(desktop.ConfigFrom(cfg), bridge, helpers, logger.With("component", "desktop"))
	reg.SetJournal(db)
	reg.SetEventSink(events)
	logger.Info("desktop access", "interactive", bridge.Interactive())

	router := command.NewRouter(logger)
	router.Register(desktop.NewModule(reg))

	srv := api.NewServer(cfg.SocketPath, api.Deps{
		Commands: router,
		Sessions: reg,
		Events:   events,
		Journal:  db,
	}, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("API shutdown", "error", err)
	}
	reg.Close()

	logger.Info("deskagent stopped")
	return nil
}

func send(cfg *config.Config, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: deskagent send <action> <sessionId> [payload-json]")
	}
	req := client.CommandRequest{Action: args[0], SessionID: args[1]}
	if len(args) == 3 {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("payload is not valid JSON: %s", args[2])
		}
		req.Payload = json.RawMessage(args[2])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.CallTimeout+cfg.ConnectTimeout)
	defer cancel()

	res, err := client.New(cfg.SocketPath).Send(ctx, req)
	if err != nil {
		return fmt.Errorf("deskagent not reachable: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s failed: %s", res.Action, res.Reason)
	}
	return nil
}

func status(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := client.New(cfg.SocketPath)
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("deskagent not reachable: %w", err)
	}
	fmt.Printf("deskagent %s on %s, up %s\n", st.Version, st.Platform, st.Uptime)

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	fmt.Printf("%-24s %-7s %-9s %-7s %s\n", "SESSION", "MODE", "SIZE", "QUALITY", "HELPER")
	for _, s := range sessions {
		pid := "-"
		if s.HelperPid != 0 {
			pid = fmt.Sprint(s.HelperPid)
		}
		fmt.Printf("%-24s %-7s %-9s %-7d %s\n", s.SessionID, s.Mode, fmt.Sprintf("%dx%d", s.Width, s.Height), s.Quality, pid)
	}
	return nil
}
