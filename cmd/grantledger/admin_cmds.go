package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/terryholliday/WVSNP-sub002/pkg/outbox"
)

// runMigrateCmd implements `grantledger migrate`.
func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	purge := cmd.Bool("purge", false, "Also delete completed idempotency records past retention")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.close(ctx)

	if rt.db == nil {
		_, _ = fmt.Fprintln(stdout, "store driver is memory; nothing to migrate")
		return 0
	}
	if err := rt.migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "migrated %s store\n", rt.cfg.Store.Driver)

	if *purge {
		if rt.sqlReg == nil {
			_, _ = fmt.Fprintln(stderr, "Error: --purge needs the sql idempotency backend")
			return 2
		}
		n, err := rt.sqlReg.Purge(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "purged %d idempotency records\n", n)
	}
	return 0
}

// runRelayCmd implements `grantledger relay`.
//
// Without flags it tails the event log into the outbox until interrupted.
// --once copies what is there and exits; --pending lists undelivered
// records; --ack marks one delivered.
func runRelayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("relay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	once := cmd.Bool("once", false, "Relay until caught up, then exit")
	pending := cmd.Int("pending", 0, "List up to N undelivered records and exit")
	ack := cmd.String("ack", "", "Mark the record for this event id delivered and exit")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.close(context.WithoutCancel(ctx))

	switch {
	case *ack != "":
		if err := rt.outbox.MarkDelivered(ctx, *ack); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	case *pending > 0:
		recs, err := rt.outbox.Pending(ctx, *pending)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return writeJSON(stdout, stderr, recs)
	}

	relay := outbox.NewRelay(rt.events, rt.outbox, rt.cfg.Service.RelayPoll)
	if *once {
		n, err := relay.Step(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "relayed %d records\n", n)
		return 0
	}

	slog.InfoContext(ctx, "outbox relay started", "poll", rt.cfg.Service.RelayPoll)
	if err := relay.Run(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}
