package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/outbox"
	"github.com/terryholliday/WVSNP-sub002/pkg/projection"
	"github.com/terryholliday/WVSNP-sub002/pkg/service"
)

func wire(typ, key, payload string) string {
	return fmt.Sprintf(`{"type":%q,"idempotency_key":%q,"actor":{"id":"officer-1","role":"grant_officer"},"correlation_id":"corr-%s","payload":%s}`,
		typ, key, key, payload)
}

var fundingBatch = strings.Join([]string{
	wire("CreateGrant", "k1", `{"grant_id":"g1","grant_cycle":"FY26"}`),
	"",
	wire("AwardBudget", "k2", `{"grant_id":"g1","bucket":"GENERAL","amount_cents":"10000"}`),
	wire("IssueVoucherOnline", "k3", `{"voucher_id":"v1","grant_id":"g1","bucket":"GENERAL","clinic_id":"clinic-a","max_reimbursement_cents":"1500","expires_at":"2099-01-01T00:00:00Z"}`),
}, "\n")

// liteConfig writes a config that keeps everything in one SQLite file.
func liteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "grantledger.yaml")
	doc := fmt.Sprintf("log_level: warn\nstore:\n  driver: sqlite\n  dsn: %s\nidempotency:\n  backend: sql\n", filepath.Join(dir, "ledger.db"))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func results(t *testing.T, out string) []service.Result {
	t.Helper()
	var rs []service.Result
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r service.Result
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		rs = append(rs, r)
	}
	return rs
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"grantledger"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func apply(t *testing.T, input string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := applyWith(args, strings.NewReader(input), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, stdout, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "preflight")

	code, _, stderr = run(t, "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, _, stderr = run(t, "summary")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--cycle is required")
}

func TestApplyReplaysAgainstSQLite(t *testing.T) {
	cfg := liteConfig(t)

	code, stdout, stderr := run(t, "migrate", "--config", cfg)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "migrated sqlite store")

	code, stdout, stderr = apply(t, fundingBatch, "--config", cfg)
	require.Equal(t, 0, code, stderr)
	first := results(t, stdout)
	require.Len(t, first, 3)
	assert.Equal(t, "g1", first[0].GrantID)
	assert.Equal(t, "v1", first[2].VoucherID)
	require.NotNil(t, first[2].Bucket)
	assert.Equal(t, "8500", first[2].Bucket.Available.String())

	code, stdout, stderr = apply(t, fundingBatch, "--config", cfg, "--summary", "FY26")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, first, results(t, strings.Join(lines[:3], "\n")), "a replayed batch returns the recorded results")

	var sum projection.CycleSummary
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &sum))
	assert.Equal(t, "1500", sum.Encumbered.String(), "replay does not encumber twice")
	assert.Equal(t, []string{"v1"}, sum.OpenVouchers)
}

func TestReadCommands(t *testing.T) {
	cfg := liteConfig(t)
	code, _, stderr := apply(t, fundingBatch, "--config", cfg)
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := run(t, "summary", "--config", cfg, "--cycle", "FY26")
	require.Equal(t, 0, code, stderr)
	var sum projection.CycleSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.Equal(t, 1, sum.Grants)
	assert.Equal(t, "10000", sum.Awarded.String())

	code, stdout, stderr = run(t, "project", "--config", cfg, "--view", "vouchers", "--clinic", "clinic-a")
	require.Equal(t, 0, code, stderr)
	var listing struct {
		Position uint64            `json:"position"`
		Items    []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &listing))
	assert.Len(t, listing.Items, 1)
	assert.Equal(t, sum.Position, listing.Position)

	code, _, _ = run(t, "project", "--config", cfg, "--view", "grants")
	assert.Equal(t, 2, code)

	code, stdout, _ = run(t, "preflight", "--config", cfg, "--cycle", "FY26")
	assert.Equal(t, 1, code, "an open voucher fails the checklist")
	assert.Contains(t, stdout, "vouchers_resolved")
}

func TestRelayDeliversOnce(t *testing.T) {
	cfg := liteConfig(t)
	code, _, stderr := apply(t, fundingBatch, "--config", cfg)
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := run(t, "relay", "--config", cfg, "--once")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "relayed 1 records\n", stdout)

	code, stdout, _ = run(t, "relay", "--config", cfg, "--once")
	require.Equal(t, 0, code)
	assert.Equal(t, "relayed 0 records\n", stdout)

	code, stdout, stderr = run(t, "relay", "--config", cfg, "--pending", "10")
	require.Equal(t, 0, code, stderr)
	var pending []outbox.Record
	require.NoError(t, json.Unmarshal([]byte(stdout), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "voucher.issued", pending[0].Topic)

	code, _, stderr = run(t, "relay", "--config", cfg, "--ack", pending[0].EventID)
	require.Equal(t, 0, code, stderr)
	_, stdout, _ = run(t, "relay", "--config", cfg, "--pending", "10")
	require.NoError(t, json.Unmarshal([]byte(stdout), &pending))
	assert.Empty(t, pending)
}

func TestApplyReportsFailures(t *testing.T) {
	input := strings.Join([]string{
		wire("AwardBudget", "k1", `{"grant_id":"missing","bucket":"GENERAL","amount_cents":"100"}`),
		`{"type":"Nope"}`,
	}, "\n")
	code, stdout, _ := apply(t, input)
	assert.Equal(t, 1, code)

	rs := results(t, stdout)
	require.Len(t, rs, 2)
	require.NotNil(t, rs[0].Error)
	assert.Equal(t, faults.KindNotFound, rs[0].Error.Kind)
	require.NotNil(t, rs[1].Error)
	assert.Equal(t, faults.KindValidation, rs[1].Error.Kind)
}

func TestMigrateMemoryIsNoop(t *testing.T) {
	code, stdout, _ := run(t, "migrate")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "nothing to migrate")

	code, _, _ = run(t, "migrate", "--bogus")
	assert.Equal(t, 2, code)
}
