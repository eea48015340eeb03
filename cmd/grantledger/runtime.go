package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/terryholliday/WVSNP-sub002/pkg/checklist"
	"github.com/terryholliday/WVSNP-sub002/pkg/config"
	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog/sqlstore"
	"github.com/terryholliday/WVSNP-sub002/pkg/evidence"
	"github.com/terryholliday/WVSNP-sub002/pkg/idempotency"
	"github.com/terryholliday/WVSNP-sub002/pkg/observability"
	"github.com/terryholliday/WVSNP-sub002/pkg/outbox"
	"github.com/terryholliday/WVSNP-sub002/pkg/projection"
	"github.com/terryholliday/WVSNP-sub002/pkg/retry"
	"github.com/terryholliday/WVSNP-sub002/pkg/service"
	"github.com/terryholliday/WVSNP-sub002/pkg/sqldb"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// runtime is the storage and telemetry a subcommand runs against.
type runtime struct {
	cfg       config.Config
	db        *sqldb.DB
	events    eventlog.Store
	register  idempotency.Register
	sqlReg    *idempotency.SQLRegister
	outbox    outbox.Store
	telemetry *observability.Provider
	migrators []migrator
	closers   []func(context.Context) error
}

// configFlag registers the shared --config flag on fs.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to YAML config (GRANTLEDGER_* env vars override)")
}

// openRuntime loads configuration, installs the default logger and opens
// every backend the config names. SQLite stores are migrated on open.
func openRuntime(ctx context.Context, path string, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg, stderr); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}
	if err := rt.openRegister(ctx); err != nil {
		rt.close(ctx)
		return nil, err
	}

	tel := observability.DefaultConfig()
	tel.Enabled = cfg.Telemetry.Enabled
	tel.OTLPEndpoint = cfg.Telemetry.Endpoint
	tel.Insecure = cfg.Telemetry.Insecure
	tel.SampleRate = cfg.Telemetry.SampleRate
	tel.Environment = cfg.Telemetry.Environment
	rt.telemetry, err = observability.New(ctx, tel)
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	rt.closers = append(rt.closers, rt.telemetry.Shutdown)

	if rt.db != nil && rt.db.Dialect == sqldb.SQLite {
		if err := rt.migrate(ctx); err != nil {
			rt.close(ctx)
			return nil, err
		}
	}
	return rt, nil
}

func setupLogging(cfg config.Config, stderr io.Writer) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		h = slog.NewJSONHandler(stderr, opts)
	case "", "text":
		h = slog.NewTextHandler(stderr, opts)
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.LogFormat)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	if rt.cfg.Store.Driver == "memory" {
		rt.events = eventlog.NewMemory()
		rt.outbox = outbox.NewMemory()
		return nil
	}
	db, err := sqldb.Open(ctx, rt.cfg.Store.Driver, rt.cfg.Store.DSN)
	if err != nil {
		return err
	}
	rt.db = db
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })

	store := sqlstore.New(db)
	ob := outbox.NewSQLStore(db)
	rt.events = store
	rt.outbox = ob
	rt.migrators = append(rt.migrators, store, ob)
	return nil
}

func (rt *runtime) openRegister(ctx context.Context) error {
	c := rt.cfg.Idempotency
	opts := idempotency.DefaultOptions()
	if c.LeaseTTL > 0 {
		opts.LeaseTTL = c.LeaseTTL
	}
	if c.WaitTimeout > 0 {
		opts.WaitTimeout = c.WaitTimeout
	}
	opts.Retention = c.Retention

	switch c.Backend {
	case "sql":
		reg := idempotency.NewSQLRegister(rt.db, opts)
		rt.register = reg
		rt.sqlReg = reg
		rt.migrators = append(rt.migrators, reg)
	case "redis":
		client := idempotency.DialRedis(c.RedisAddr, c.RedisPassword, c.RedisDB)
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
		reg := idempotency.NewRedisRegister(client, c.RedisPrefix, opts)
		if err := reg.Ping(ctx); err != nil {
			return err
		}
		rt.register = reg
	default:
		rt.register = idempotency.NewMemory(opts)
	}
	return nil
}

// migrate creates every table the configured backends use.
func (rt *runtime) migrate(ctx context.Context) error {
	for _, m := range rt.migrators {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// projector returns a projector over the runtime's event log.
func (rt *runtime) projector() *projection.Projector {
	return projection.NewProjector(rt.events, projection.NewViews(), rt.cfg.Service.ProjectionPoll)
}

func (rt *runtime) checklist() (*checklist.Checklist, error) {
	if rt.cfg.Service.ChecklistPath == "" {
		return checklist.New(nil)
	}
	return checklist.LoadFile(rt.cfg.Service.ChecklistPath)
}

// service wires the command handlers to the runtime.
func (rt *runtime) service(ctx context.Context) (*service.Service, error) {
	ev := rt.cfg.Evidence
	loc, err := evidence.Open(ctx, evidence.Config{Kind: ev.Kind, Root: ev.Root, Bucket: ev.Bucket, Region: ev.Region, Endpoint: ev.Endpoint})
	if err != nil {
		return nil, err
	}
	if c, ok := loc.(io.Closer); ok {
		rt.closers = append(rt.closers, func(context.Context) error { return c.Close() })
	}
	cl, err := rt.checklist()
	if err != nil {
		return nil, err
	}
	policy := retry.DefaultPolicy
	policy.MaxAttempts = rt.cfg.Service.MaxAttempts
	return service.New(rt.events, rt.register, service.Options{
		Projector: rt.projector(),
		Checklist: cl,
		Evidence:  loc,
		Telemetry: rt.telemetry,
		Retry:     policy,
	})
}

// close releases backends in reverse open order.
func (rt *runtime) close(ctx context.Context) {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		slog.WarnContext(ctx, "close runtime", "error", err)
	}
}
