package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/projection"
)

// readSetup opens the runtime and replays the whole log into fresh
// projections.
func readSetup(ctx context.Context, configPath string, stderr io.Writer) (*runtime, *projection.Projector, bool) {
	rt, err := openRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, false
	}
	p := rt.projector()
	if _, err := p.Rebuild(ctx); err != nil {
		rt.close(ctx)
		_, _ = fmt.Fprintf(stderr, "Error: project: %v\n", err)
		return nil, nil, false
	}
	return rt, p, true
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write output: %v\n", err)
		return 2
	}
	return 0
}

// runSummaryCmd implements `grantledger summary`.
func runSummaryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("summary", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	cycle := cmd.String("cycle", "", "Grant cycle (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *cycle == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --cycle is required")
		return 2
	}

	ctx := context.Background()
	rt, p, ok := readSetup(ctx, *configPath, stderr)
	if !ok {
		return 2
	}
	defer rt.close(ctx)
	return writeJSON(stdout, stderr, p.Views().Summary(*cycle))
}

// runProjectCmd implements `grantledger project`: rebuild the projections
// and list one view, filtered.
func runProjectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("project", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	view := cmd.String("view", "claims", "grants, vouchers, claims, invoices or batches")
	var f projection.Filter
	cmd.StringVar(&f.GrantID, "grant", "", "Filter by grant id")
	cmd.StringVar(&f.GrantCycle, "cycle", "", "Filter by grant cycle")
	cmd.StringVar(&f.ClinicID, "clinic", "", "Filter by clinic id")
	cmd.StringVar(&f.Status, "status", "", "Filter by status")
	cmd.StringVar(&f.Period, "period", "", "Filter invoices and batches by period (YYYY-MM)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, p, ok := readSetup(ctx, *configPath, stderr)
	if !ok {
		return 2
	}
	defer rt.close(ctx)

	v := p.Views()
	var out any
	switch *view {
	case "grants":
		if f.GrantCycle == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --cycle is required for grants")
			return 2
		}
		out = v.Grants(f.GrantCycle)
	case "vouchers":
		out = v.Vouchers(f)
	case "claims":
		out = v.Claims(f)
	case "invoices":
		out = v.Invoices(f)
	case "batches":
		out = v.ExportBatches(f)
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown view %q\n", *view)
		return 2
	}
	return writeJSON(stdout, stderr, struct {
		Position uint64 `json:"position"`
		View     string `json:"view"`
		Items    any    `json:"items"`
	}{v.Position(), *view, out})
}

// runPreflightCmd implements `grantledger preflight`.
//
// Evaluates the closeout checklist against current projections without
// recording anything. Use the RunCloseoutPreflight command to record a run.
//
// Exit codes:
//
//	0 = every check passed
//	1 = at least one check failed
//	2 = runtime error
func runPreflightCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("preflight", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	cycle := cmd.String("cycle", "", "Grant cycle (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *cycle == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --cycle is required")
		return 2
	}

	ctx := context.Background()
	rt, p, ok := readSetup(ctx, *configPath, stderr)
	if !ok {
		return 2
	}
	defer rt.close(ctx)

	cl, err := rt.checklist()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	sum := p.Views().Summary(*cycle)
	checks, passed := cl.Evaluate(sum)
	if code := writeJSON(stdout, stderr, ledger.PreflightResult{
		GrantCycle:  *cycle,
		Passed:      passed,
		Checks:      checks,
		Watermark:   sum.Position,
		EvaluatedAt: time.Now().UTC(),
	}); code != 0 {
		return code
	}
	if !passed {
		return 1
	}
	return 0
}
