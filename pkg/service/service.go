// Package service implements the Grant Service command handlers.
//
// Every command runs the same algorithm: reserve the idempotency key, load
// the aggregates it touches by replaying their streams, validate, compute
// facts, and append them in one atomic multi-stream call guarded by the
// versions that were read. A version conflict reloads and revalidates with
// bounded backoff. The first definitive outcome, success or domain failure,
// is appended to an outcome stream in the same call as the facts, recorded
// against the key, and replayed verbatim on every retry.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terryholliday/WVSNP-sub002/pkg/checklist"
	"github.com/terryholliday/WVSNP-sub002/pkg/command"
	"github.com/terryholliday/WVSNP-sub002/pkg/escalation"
	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/evidence"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/idempotency"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/observability"
	"github.com/terryholliday/WVSNP-sub002/pkg/projection"
	"github.com/terryholliday/WVSNP-sub002/pkg/retry"
)

// Result is the success payload of a command: the identifiers it created or
// touched and the resulting state. Failed commands carry Error instead.
type Result struct {
	Command    string                  `json:"command"`
	Status     string                  `json:"status,omitempty"`
	GrantID    string                  `json:"grant_id,omitempty"`
	GrantCycle string                  `json:"grant_cycle,omitempty"`
	VoucherID  string                  `json:"voucher_id,omitempty"`
	ClaimID    string                  `json:"claim_id,omitempty"`
	InvoiceID  string                  `json:"invoice_id,omitempty"`
	BatchID    string                  `json:"batch_id,omitempty"`
	InvoiceIDs []string                `json:"invoice_ids,omitempty"`
	Bucket     *ledger.Bucket          `json:"bucket,omitempty"`
	Preflight  *ledger.PreflightResult `json:"preflight,omitempty"`
	// Position is the global position of the command's outcome record, the
	// last event it wrote.
	Position uint64         `json:"position,omitempty"`
	Error    *faults.Record `json:"error,omitempty"`
}

// Options configure a Service. Zero fields get working defaults.
type Options struct {
	Projector   *projection.Projector
	Checklist   *checklist.Checklist
	Evidence    evidence.Locator
	Escalations *escalation.Manager
	Telemetry   *observability.Provider
	Retry       retry.Policy
	Clock       func() time.Time
}

// Service executes commands against an event log.
type Service struct {
	log         eventlog.Store
	register    idempotency.Register
	projector   *projection.Projector
	checklist   *checklist.Checklist
	evidence    evidence.Locator
	escalations *escalation.Manager
	telemetry   *observability.Provider
	policy      retry.Policy
	clock       func() time.Time
	logger      *slog.Logger
}

// New builds a service over log and register.
func New(log eventlog.Store, register idempotency.Register, opts Options) (*Service, error) {
	if log == nil || register == nil {
		return nil, errors.New("service: event log and idempotency register are required")
	}
	s := &Service{
		log:         log,
		register:    register,
		projector:   opts.Projector,
		checklist:   opts.Checklist,
		evidence:    opts.Evidence,
		escalations: opts.Escalations,
		telemetry:   opts.Telemetry,
		policy:      opts.Retry,
		clock:       opts.Clock,
		logger:      slog.Default().With("component", "grant-service"),
	}
	if s.projector == nil {
		s.projector = projection.NewProjector(log, projection.NewViews(), 0)
	}
	if s.checklist == nil {
		c, err := checklist.New(nil)
		if err != nil {
			return nil, err
		}
		s.checklist = c
	}
	if s.escalations == nil {
		s.escalations = escalation.NewManager()
	}
	if s.policy.MaxAttempts < 1 {
		s.policy = retry.DefaultPolicy
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s, nil
}

// Projector returns the projector the service catches up after commits.
func (s *Service) Projector() *projection.Projector { return s.projector }

// Escalations returns the incident manager.
func (s *Service) Escalations() *escalation.Manager { return s.escalations }

// HandleJSON decodes a wire command and handles it.
func (s *Service) HandleJSON(ctx context.Context, raw []byte) (Result, error) {
	env, cmd, err := command.Decode(raw)
	if err != nil {
		return failed("", err), err
	}
	return s.Handle(ctx, env, cmd)
}

// Handle executes one command. Field validation failures are returned
// without touching the idempotency register.
func (s *Service) Handle(ctx context.Context, env command.Envelope, cmd command.Command) (res Result, err error) {
	if cmd == nil {
		err = faults.Validation("command is required")
		return failed("", err), err
	}
	typ := cmd.Type()
	ctx, done := s.telemetry.TrackOperation(ctx, "command."+typ, attribute.String("command", typ))
	defer func() { done(err) }()

	if err = env.Validate(); err != nil {
		return failed(typ, err), err
	}
	if err = cmd.Validate(); err != nil {
		return failed(typ, err), err
	}

	key := idempotency.Key{Token: env.IdempotencyKey, Operation: typ, ActorID: env.Actor.ID}
	fp, err := idempotency.Fingerprint(struct {
		Type    string          `json:"type"`
		Payload command.Command `json:"payload"`
	}{typ, cmd})
	if err != nil {
		err = faults.Wrap(faults.KindInternal, err, "fingerprint %s", typ)
		return failed(typ, err), err
	}

	out, err := s.register.Begin(ctx, key, fp)
	if err != nil {
		return failed(typ, err), err
	}
	if out.Status == idempotency.Replayed {
		return s.replay(ctx, key, out.Result)
	}

	// Once reserved the command runs to completion even if the caller leaves.
	ctx = context.WithoutCancel(ctx)
	return s.execute(ctx, env, cmd, key, fp, out.Lease)
}

func (s *Service) replay(ctx context.Context, key idempotency.Key, stored []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(stored, &res); err != nil {
		err = faults.Wrap(faults.KindInternal, err, "stored outcome for %s is unreadable", key)
		return failed(key.Operation, err), err
	}
	s.logger.DebugContext(ctx, "command replayed", "command", key.Operation, "idempotency_key", key.Token)
	if res.Error != nil {
		return res, res.Error.Err()
	}
	return res, nil
}

// plan is what one attempt decided to write and report.
type plan struct {
	writes writes
	result Result
	// fail is a definitive failure reported after the writes commit, such as
	// a tentative voucher that expired while awaiting confirmation.
	fail error
}

func (s *Service) execute(ctx context.Context, env command.Envelope, cmd command.Command, key idempotency.Key, fp, lease string) (Result, error) {
	typ := cmd.Type()
	log := s.logger.With("command", typ, "idempotency_key", env.IdempotencyKey, "correlation_id", env.CorrelationID)

	var res Result
	err := retry.Do(ctx, retry.Params{Operation: typ, Key: env.IdempotencyKey}, s.policy, isConflict, func(attempt int) error {
		if attempt > 0 {
			log.DebugContext(ctx, "retrying after version conflict", "attempt", attempt)
		}
		// An earlier holder of the key may have committed and then lost its
		// reservation. Its outcome is in the log.
		prior, err := loadOutcome(ctx, s.log, key)
		if err != nil {
			return err
		}
		if prior.state.Exists() {
			if prior.state.Fingerprint != fp {
				return idempotency.ErrKeyReuse
			}
			if err := json.Unmarshal(prior.state.Result, &res); err != nil {
				return faults.Wrap(faults.KindInternal, err, "outcome for %s is unreadable", key)
			}
			res.Position = prior.state.Position
			log.InfoContext(ctx, "outcome recovered from event log", "position", res.Position)
			return nil
		}

		p, err := s.dispatch(ctx, s.clock(), env, cmd)
		switch {
		case err == nil:
		case faults.Definitive(err) && faults.KindOf(err) != faults.KindInvariantViolation:
			// Refusals are recorded like commits; their staged writes are not.
			p = plan{fail: err}
		default:
			return err
		}
		res = p.result
		res.Command = typ
		if p.fail != nil {
			rec := faults.ToRecord(p.fail)
			res.Error = &rec
		}

		raw, err := json.Marshal(res)
		if err != nil {
			return faults.Wrap(faults.KindInternal, err, "encode outcome")
		}
		facts, err := prior.state.Record(ledger.CommandOutcome{
			Operation:   key.Operation,
			ActorID:     key.ActorID,
			Token:       key.Token,
			Fingerprint: fp,
			Result:      raw,
		})
		if err != nil {
			return err
		}
		if err := stage(&p.writes, prior, facts); err != nil {
			return err
		}
		committed, err := s.log.Append(ctx, p.writes.stamped(env)...)
		if err != nil {
			return err
		}
		res.Position = committed[len(committed)-1].GlobalPosition
		return nil
	})

	switch {
	case err == nil:
		return s.complete(ctx, log, key, lease, res)

	case errors.Is(err, retry.ErrExhausted):
		s.release(ctx, log, key, lease)
		err = faults.Wrap(faults.KindRetryable, err, "%s kept conflicting with concurrent writes; retry with the same idempotency key", typ)
		log.WarnContext(ctx, "conflict retries exhausted", "attempts", s.policy.MaxAttempts)
		return failed(typ, err), err

	case errors.Is(err, idempotency.ErrKeyReuse):
		s.release(ctx, log, key, lease)
		return failed(typ, err), err

	case faults.Definitive(err):
		if faults.KindOf(err) == faults.KindInvariantViolation {
			log.ErrorContext(ctx, "invariant violation, command aborted", "error", err)
			s.escalations.Raise(ctx, escalation.Incident{
				Command:        typ,
				IdempotencyKey: env.IdempotencyKey,
				CorrelationID:  env.CorrelationID,
				ActorID:        env.Actor.ID,
				Message:        err.Error(),
			})
		}
		return s.complete(ctx, log, key, lease, failed(typ, err))

	default:
		s.release(ctx, log, key, lease)
		log.ErrorContext(ctx, "command failed", "error", err)
		if faults.KindOf(err) == faults.KindInternal {
			err = faults.Wrap(faults.KindInternal, err, "%s failed", typ)
		}
		return failed(typ, err), err
	}
}

// complete records res against the key and returns the recorded form, so a
// first call and its replays return identical values. The event log already
// holds the outcome, so a failure here costs a replay from the log, not a
// second execution.
func (s *Service) complete(ctx context.Context, log *slog.Logger, key idempotency.Key, lease string, res Result) (Result, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		err = faults.Wrap(faults.KindInternal, err, "encode outcome")
		s.release(ctx, log, key, lease)
		return failed(res.Command, err), err
	}
	if err := s.register.Complete(ctx, key, lease, raw); err != nil {
		log.ErrorContext(ctx, "failed to record outcome", "error", err)
	}

	if res.Error == nil || res.Position > 0 {
		if _, err := s.projector.CatchUp(ctx); err != nil {
			log.WarnContext(ctx, "projection catch-up after commit failed", "error", err)
		}
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		out = res
	}
	if out.Error != nil {
		log.InfoContext(ctx, "command refused", "error_kind", out.Error.Kind, "message", out.Error.Message)
		return out, out.Error.Err()
	}
	log.InfoContext(ctx, "command committed", "position", out.Position, "status", out.Status)
	return out, nil
}

func (s *Service) release(ctx context.Context, log *slog.Logger, key idempotency.Key, lease string) {
	if err := s.register.Release(ctx, key, lease); err != nil {
		log.WarnContext(ctx, "failed to release idempotency reservation", "error", err)
	}
}

func failed(typ string, err error) Result {
	rec := faults.ToRecord(err)
	return Result{Command: typ, Error: &rec}
}

func isConflict(err error) bool {
	return faults.KindOf(err) == faults.KindConcurrencyConflict
}

func (s *Service) dispatch(ctx context.Context, now time.Time, env command.Envelope, cmd command.Command) (plan, error) {
	switch c := cmd.(type) {
	case command.CreateGrant:
		return s.createGrant(ctx, c)
	case command.AwardBudget:
		return s.awardBudget(ctx, c)
	case command.IssueVoucherOnline:
		return s.issueVoucher(ctx, now, env, c.VoucherRequest, time.Time{})
	case command.IssueTentativeVoucher:
		return s.issueVoucher(ctx, now, env, c.VoucherRequest, c.ConfirmBy)
	case command.ConfirmTentativeVoucher:
		return s.confirmVoucher(ctx, now, c)
	case command.VoidVoucher:
		return s.voidVoucher(ctx, now, c)
	case command.ExpireVoucher:
		return s.expireVoucher(ctx, now, c)
	case command.SubmitClaim:
		return s.submitClaim(ctx, now, env, c)
	case command.AdjudicateClaim:
		return s.adjudicateClaim(ctx, now, env, c)
	case command.AdjustClaim:
		return s.adjustClaim(ctx, now, env, c)
	case command.GenerateMonthlyInvoices:
		return s.generateInvoices(ctx, c)
	case command.SubmitInvoice:
		return s.submitInvoice(ctx, now, c)
	case command.RecordInvoicePayment:
		return s.recordPayment(ctx, now, c)
	case command.ExplainInvoice:
		return s.explainInvoice(ctx, c)
	case command.GenerateExportBatch:
		return s.generateExportBatch(ctx, c)
	case command.RenderExportBatch:
		return s.renderExportBatch(ctx, c)
	case command.SubmitExportBatch:
		return s.exportTransition(ctx, c.BatchID, func(b ledger.ExportBatch) ([]ledger.Fact, error) { return b.Submit(c.Reference, now) })
	case command.AcknowledgeExportBatch:
		return s.exportTransition(ctx, c.BatchID, func(b ledger.ExportBatch) ([]ledger.Fact, error) { return b.Acknowledge(c.Reference, now) })
	case command.RejectExportBatch:
		return s.exportTransition(ctx, c.BatchID, func(b ledger.ExportBatch) ([]ledger.Fact, error) { return b.Reject(c.Reason, now) })
	case command.VoidExportBatch:
		return s.exportTransition(ctx, c.BatchID, func(b ledger.ExportBatch) ([]ledger.Fact, error) { return b.Void(c.Reason, now) })
	case command.RunCloseoutPreflight:
		return s.runPreflight(ctx, now, c)
	case command.StartCloseout:
		return s.closeoutTransition(ctx, c.GrantCycle, func(co ledger.Closeout) ([]ledger.Fact, error) { return co.Start(now) })
	case command.ReconcileCloseout:
		return s.reconcileCloseout(ctx, now, c)
	case command.CloseGrantCycle:
		return s.closeGrantCycle(ctx, now, c)
	case command.PlaceAuditHold:
		return s.closeoutTransition(ctx, c.GrantCycle, func(co ledger.Closeout) ([]ledger.Fact, error) { return co.PlaceHold(c.Reason, now) })
	case command.ClearAuditHold:
		return s.closeoutTransition(ctx, c.GrantCycle, func(co ledger.Closeout) ([]ledger.Fact, error) { return co.ClearHold(c.Reason, now) })
	}
	return plan{}, faults.Validation("unsupported command %s", cmd.Type())
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:grantledger:ids"))

// derivedID names an aggregate the caller did not name. It depends only on
// the request's idempotency scope, so every attempt derives the same id.
func derivedID(env command.Envelope, kind string) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%s/%s", kind, env.Actor.ID, env.IdempotencyKey))).String()
}

// windowID names the output of a batch operation over a fixed input set.
func windowID(kind string, w command.BatchWindow, extra string) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%s/%s/%d/%s", kind, w.GrantCycle, w.Period, w.Watermark, extra))).String()
}
