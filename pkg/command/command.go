// Package command defines the Grant Service commands: one struct per
// operation, each with its own validated field set, plus the envelope every
// command travels in.
package command

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

// Actor is the resolved caller identity.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Envelope carries the cross-cutting fields of every command.
type Envelope struct {
	IdempotencyKey string `json:"idempotency_key"`
	Actor          Actor  `json:"actor"`
	CorrelationID  string `json:"correlation_id"`
	CausationID    string `json:"causation_id,omitempty"`
}

// Validate checks the envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return faults.Validation("idempotency_key is required")
	}
	if e.Actor.ID == "" || e.Actor.Role == "" {
		return faults.Validation("actor id and role are required")
	}
	if e.CorrelationID == "" {
		return faults.Validation("correlation_id is required")
	}
	return nil
}

// Command is implemented by every operation variant.
type Command interface {
	Type() string
	Validate() error
}

// Date is a calendar date encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, faults.Validation("date %q must be YYYY-MM-DD", s)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return faults.Validation("date must be a string")
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// PeriodEnd returns the last instant of a YYYY-MM period.
func PeriodEnd(period string) (time.Time, error) {
	if !periodPattern.MatchString(period) {
		return time.Time{}, faults.Validation("period %q must be YYYY-MM", period)
	}
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, faults.Validation("period %q: %v", period, err)
	}
	return start.AddDate(0, 1, 0).Add(-time.Nanosecond), nil
}

func required(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return faults.Validation("missing required fields: %s", strings.Join(missing, ", "))
}

func positive(name string, m money.Money) error {
	if !m.IsPositive() {
		return faults.Validation("%s must be a positive number of cents", name)
	}
	return nil
}

func category(c ledger.Category) error {
	if c == "" {
		return faults.Validation("bucket is required")
	}
	if strings.ToUpper(string(c)) != string(c) {
		return faults.Validation("bucket %q must be upper case", c)
	}
	return nil
}
