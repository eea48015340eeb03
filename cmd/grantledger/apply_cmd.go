package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
)

// maxCommandBytes bounds one JSONL line.
const maxCommandBytes = 4 << 20

// runApplyCmd implements `grantledger apply`.
//
// Reads one wire command per line and prints one result per line. Blank
// lines are skipped. A command that fails is reported in its result line and
// does not stop the batch.
//
// Exit codes:
//
//	0 = every command succeeded
//	1 = at least one command failed
//	2 = runtime error
func runApplyCmd(args []string, stdout, stderr io.Writer) int {
	return applyWith(args, os.Stdin, stdout, stderr)
}

func applyWith(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("apply", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	file := cmd.String("file", "-", "JSONL command file, - for stdin")
	summaryCycle := cmd.String("summary", "", "Print the summary of this grant cycle after the batch")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	in := stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.close(ctx)

	svc, err := rt.service(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxCommandBytes)
	failures := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		res, err := svc.HandleJSON(ctx, raw)
		if err != nil {
			failures++
			if res.Error == nil {
				rec := faults.ToRecord(err)
				res.Error = &rec
			}
			if !faults.Definitive(err) {
				_, _ = fmt.Fprintf(stderr, "line %d: %v\n", line, err)
			}
		}
		if err := enc.Encode(res); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write result: %v\n", err)
			return 2
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read commands: %v\n", err)
		return 2
	}

	if *summaryCycle != "" {
		if _, err := svc.Projector().CatchUp(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if err := enc.Encode(svc.Projector().Views().Summary(*summaryCycle)); err != nil {
			return 2
		}
	}

	if failures > 0 {
		return 1
	}
	return 0
}
