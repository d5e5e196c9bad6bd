// korarentctl runs rent-sponsorship operations against the local registry
// without a daemon: ingest, refresh, inspect, validate and reclaim.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/korarent/internal/config"
	"github.com/mbd888/korarent/internal/logging"
	"github.com/mbd888/korarent/internal/tracker"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// cli holds the process dependencies so tests can swap the chain out.
type cli struct {
	stdout io.Writer
	stderr io.Writer
	load   func() (*config.Config, error)
	open   func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tracker.Tracker, io.Closer, error)
}

func main() {
	c := &cli{
		stdout: os.Stdout,
		stderr: os.Stderr,
		load:   config.Load,
		open:   openTracker,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := c.run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func openTracker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tracker.Tracker, io.Closer, error) {
	asm, err := tracker.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return asm.Tracker, asm, nil
}

func usage() string {
	buf := &bytes.Buffer{}
	fmt.Fprintln(buf, "Usage: korarentctl [-log-level level] <command> [flags] [args]")
	fmt.Fprintln(buf, "Commands:")
	fmt.Fprintln(buf, "  ingest   [-limit n]                 Scan new operator transactions for sponsored accounts")
	fmt.Fprintln(buf, "  refresh                             Re-read every tracked account and update its status")
	fmt.Fprintln(buf, "  status   [-status s] [-kind k] [-list]")
	fmt.Fprintln(buf, "                                      Show registry totals, optionally listing accounts")
	fmt.Fprintln(buf, "  validate <address>                  Run the reclaim safety checks for one account")
	fmt.Fprintln(buf, "  reclaim  [-live -yes] [address...]  Reclaim rent (dry run unless -live -yes)")
	fmt.Fprintln(buf, "  report   [-limit n] [runID]         List recent reclaim reports or show one")
	fmt.Fprintln(buf, "Configuration is read from the environment and .env.")
	return buf.String()
}

func (c *cli) run(ctx context.Context, args []string) int {
	global := flag.NewFlagSet("korarentctl", flag.ContinueOnError)
	global.SetOutput(c.stderr)
	global.Usage = func() { fmt.Fprint(c.stderr, usage()) }
	logLevel := global.String("log-level", "", "override LOG_LEVEL")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(c.stderr, usage())
		return exitUsage
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(c.stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprint(c.stderr, usage())
		return exitUsage
	}

	cfg, err := c.load()
	if err != nil {
		fmt.Fprintf(c.stderr, "Configuration error: %v\n", err)
		return exitError
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logging.NewWriter(c.stderr, level, cfg.LogFormat)

	trk, closer, err := c.open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(c.stderr, "Failed to open tracker: %v\n", err)
		return exitError
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	env := &cmdEnv{cli: c, cfg: cfg, trk: trk}
	if err := cmd(ctx, env, rest[1:]); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(c.stderr, "Error: %v\n", err)
			return exitUsage
		}
		if errors.Is(err, flag.ErrHelp) {
			return exitUsage
		}
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}
