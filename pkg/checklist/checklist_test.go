package checklist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryholliday/WVSNP-sub002/pkg/money"
	"github.com/terryholliday/WVSNP-sub002/pkg/projection"
)

func TestDefaultChecklistPassesCleanCycle(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	results, passed := c.Evaluate(projection.CycleSummary{GrantCycle: "FY26", Grants: 2})
	assert.True(t, passed)
	require.Len(t, results, len(DefaultRules))
	for _, r := range results {
		assert.True(t, r.Passed, r.Name)
		assert.Empty(t, r.Detail, r.Name)
	}
}

func TestDefaultChecklistReportsOpenWork(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	results, passed := c.Evaluate(projection.CycleSummary{
		GrantCycle:        "FY26",
		OpenVouchers:      []string{"v-1", "v-2"},
		UnsettledInvoices: []string{"inv-9"},
	})
	assert.False(t, passed)

	byName := map[string]bool{}
	for _, r := range results {
		byName[r.Name] = r.Passed
		if r.Name == "vouchers_resolved" {
			assert.Equal(t, "2 vouchers still open: v-1, v-2", r.Detail)
		}
	}
	assert.False(t, byName["vouchers_resolved"])
	assert.True(t, byName["claims_adjudicated"])
	assert.False(t, byName["invoices_paid_or_explained"])
}

func TestCustomRulesSeeBalances(t *testing.T) {
	c, err := New([]Rule{{Name: "nothing_encumbered", Expr: `summary.encumbered_cents == "0"`}})
	require.NoError(t, err)

	_, passed := c.Evaluate(projection.CycleSummary{Encumbered: money.Cents(500)})
	assert.False(t, passed)
	_, passed = c.Evaluate(projection.CycleSummary{})
	assert.True(t, passed)
}

func TestNewRejectsBadRules(t *testing.T) {
	cases := map[string][]Rule{
		"syntax":    {{Name: "x", Expr: `size(summary.open_vouchers ==`}},
		"not bool":  {{Name: "x", Expr: `size(summary.open_vouchers)`}},
		"unnamed":   {{Expr: `true`}},
		"duplicate": {{Name: "x", Expr: `true`}, {Name: "x", Expr: `false`}},
		"detail":    {{Name: "x", Expr: `true`, Detail: `1 + 1`}},
	}
	for name, rules := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(rules)
			assert.Error(t, err)
		})
	}
}

func TestEvaluationErrorFailsClosed(t *testing.T) {
	c, err := New([]Rule{{Name: "missing_key", Expr: `summary.no_such_field == 0`}})
	require.NoError(t, err)

	results, passed := c.Evaluate(projection.CycleSummary{})
	assert.False(t, passed)
	assert.Contains(t, results[0].Detail, "evaluation error")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checklist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: claims_adjudicated
    expr: size(summary.pending_claims) == 0
  - name: has_grants
    expr: summary.grants > 0
    detail: '"cycle " + summary.grant_cycle + " has no grants"'
`), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)

	results, passed := c.Evaluate(projection.CycleSummary{GrantCycle: "FY26"})
	assert.False(t, passed)
	require.Len(t, results, 2)
	assert.Equal(t, "cycle FY26 has no grants", results[1].Detail)
}
