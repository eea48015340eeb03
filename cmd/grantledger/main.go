package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = the command ran and reported failures
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "migrate":
		return runMigrateCmd(args[2:], stdout, stderr)
	case "apply":
		return runApplyCmd(args[2:], stdout, stderr)
	case "summary":
		return runSummaryCmd(args[2:], stdout, stderr)
	case "project":
		return runProjectCmd(args[2:], stdout, stderr)
	case "preflight":
		return runPreflightCmd(args[2:], stdout, stderr)
	case "relay":
		return runRelayCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sgrantledger%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sVouchers, claims, invoices and closeout on one event log.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  grantledger <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "STORAGE")
	printCommand(w, "migrate", "Create event log, register and outbox tables (--purge)")

	printSection(w, "COMMANDS")
	printCommand(w, "apply", "Execute JSONL commands (--file, default stdin)")

	printSection(w, "READ MODELS")
	printCommand(w, "summary", "Print a grant cycle summary (--cycle)")
	printCommand(w, "project", "Rebuild projections and list a view (--view, filters)")
	printCommand(w, "preflight", "Evaluate the closeout checklist without recording it (--cycle)")

	printSection(w, "NOTIFICATIONS")
	printCommand(w, "relay", "Copy events to the outbox (--once, --pending, --ack)")

	printSection(w, "UTILITIES")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
