// agentbay is a command line client for AgentBay session tracking.
//
// Each invocation is a short lived process: it resolves sessions through
// the configured backend, records the change and flushes before exiting.
// With the sqlite driver this shows how sessions survive the process that
// started them:
//
//	agentbay --backend sqlite start --agent support-bot --id s1
//	agentbay --backend sqlite activity --id s1 --messages 2 --latency 350ms
//	agentbay --backend sqlite end --id s1 --status completed --quality good
//	agentbay --backend sqlite list --agent support-bot
//
// serve exposes a sqlite or memory store over the session HTTP API, so
// other clients can use it with the http driver.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, g *globals, args []string, stdout io.Writer) error
}

var commands = []command{
	{"start", "start a session and print it", runStart},
	{"activity", "record activity on a session", runActivity},
	{"end", "end a session with a terminal status", runEnd},
	{"get", "print a live session", runGet},
	{"list", "print the live sessions of an agent", runList},
	{"serve", "serve the session HTTP API over a sqlite or memory store", runServe},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	g := &globals{}
	flagSet := pflag.NewFlagSet("agentbay", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	g.addFlags(flagSet)
	flagSet.Usage = func() { printHelp(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stderr, flagSet)
		return errors.New("missing command")
	}

	for _, c := range commands {
		if c.name == rest[0] {
			return c.run(ctx, g, rest[1:], stdout)
		}
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "AgentBay session tracking.\n\nUsage:\n  agentbay [flags] <command> [command flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
