// Package checklist evaluates the grant-cycle closeout preflight.
//
// Each rule is a CEL predicate over the cycle summary projected from the
// ledger. Rules are compiled once; evaluation is read-only and bounded by a
// cost limit.
package checklist

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"gopkg.in/yaml.v3"

	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/projection"
)

// Rule is one checklist item.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	// Expr must evaluate to bool; true means the item passes.
	Expr string `yaml:"expr" json:"expr"`
	// Detail is an optional string expression reported when the item fails.
	Detail string `yaml:"detail,omitempty" json:"detail,omitempty"`
}

// DefaultRules are the closeout preconditions: every voucher resolved,
// every claim adjudicated, every invoice paid or explained.
var DefaultRules = []Rule{
	{
		Name:   "vouchers_resolved",
		Expr:   `size(summary.open_vouchers) == 0`,
		Detail: `string(size(summary.open_vouchers)) + " vouchers still open: " + summary.open_vouchers.join(", ")`,
	},
	{
		Name:   "claims_adjudicated",
		Expr:   `size(summary.pending_claims) == 0`,
		Detail: `string(size(summary.pending_claims)) + " claims awaiting decision: " + summary.pending_claims.join(", ")`,
	},
	{
		Name:   "invoices_paid_or_explained",
		Expr:   `size(summary.unsettled_invoices) == 0`,
		Detail: `string(size(summary.unsettled_invoices)) + " invoices neither paid nor explained: " + summary.unsettled_invoices.join(", ")`,
	},
}

type compiledRule struct {
	Rule
	check  cel.Program
	detail cel.Program
}

// Checklist is a compiled rule set. It is safe for concurrent use.
type Checklist struct {
	rules []compiledRule
}

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func celEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("summary", cel.MapType(cel.StringType, cel.DynType)),
			ext.Strings(),
		)
	})
	return env, envErr
}

// New compiles rules. An empty rule set compiles DefaultRules.
func New(rules []Rule) (*Checklist, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	e, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("checklist: environment: %w", err)
	}

	seen := make(map[string]bool, len(rules))
	out := &Checklist{}
	for _, r := range rules {
		if r.Name == "" || r.Expr == "" {
			return nil, fmt.Errorf("checklist: rule needs a name and an expression")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("checklist: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true

		check, err := compile(e, r.Expr, cel.BoolType)
		if err != nil {
			return nil, fmt.Errorf("checklist: rule %s: %w", r.Name, err)
		}
		cr := compiledRule{Rule: r, check: check}
		if r.Detail != "" {
			if cr.detail, err = compile(e, r.Detail, cel.StringType); err != nil {
				return nil, fmt.Errorf("checklist: rule %s detail: %w", r.Name, err)
			}
		}
		out.rules = append(out.rules, cr)
	}
	return out, nil
}

func compile(e *cel.Env, expr string, want *cel.Type) (cel.Program, error) {
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(want) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression yields %s, want %s", ast.OutputType(), want)
	}
	return e.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
}

// Evaluate runs every rule against s. A rule that fails to evaluate counts
// as failed, so the checklist fails closed.
func (c *Checklist) Evaluate(s projection.CycleSummary) ([]ledger.CheckResult, bool) {
	input := map[string]any{"summary": summaryInput(s)}

	passed := true
	results := make([]ledger.CheckResult, 0, len(c.rules))
	for _, r := range c.rules {
		res := ledger.CheckResult{Name: r.Name}
		out, _, err := r.check.Eval(input)
		switch {
		case err != nil:
			res.Detail = "evaluation error: " + err.Error()
		default:
			ok, isBool := out.Value().(bool)
			res.Passed = isBool && ok
			if !isBool {
				res.Detail = fmt.Sprintf("result %v is not a bool", out.Value())
			}
		}
		if !res.Passed && res.Detail == "" && r.detail != nil {
			if d, _, err := r.detail.Eval(input); err == nil {
				res.Detail, _ = d.Value().(string)
			}
		}
		passed = passed && res.Passed
		results = append(results, res)
	}
	return results, passed
}

func summaryInput(s projection.CycleSummary) map[string]any {
	list := func(ids []string) []string {
		if ids == nil {
			return []string{}
		}
		return ids
	}
	return map[string]any{
		"grant_cycle":         s.GrantCycle,
		"position":            s.Position,
		"grants":              s.Grants,
		"open_vouchers":       list(s.OpenVouchers),
		"pending_claims":      list(s.PendingClaims),
		"uninvoiced_approved": list(s.UninvoicedApproved),
		"unsettled_invoices":  list(s.UnsettledInvoices),
		"awarded_cents":       s.Awarded.String(),
		"available_cents":     s.Available.String(),
		"encumbered_cents":    s.Encumbered.String(),
		"liquidated_cents":    s.Liquidated.String(),
		"invoiced_cents":      s.Invoiced.String(),
	}
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules reads a YAML document with a top-level rules list.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("checklist: parse rules: %w", err)
	}
	return f.Rules, nil
}

// LoadFile compiles the rules in a YAML file.
func LoadFile(path string) (*Checklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checklist: read %s: %w", path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return New(rules)
}
