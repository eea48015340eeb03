package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
	assert.Equal(t, 5, cfg.Service.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Idempotency.LeaseTTL)
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grantledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
store:
  driver: sqlite
  dsn: file:ledger.db
idempotency:
  backend: sql
  lease_ttl: 45s
service:
  max_attempts: 7
`), 0o600))

	t.Setenv("GRANTLEDGER_SERVICE_MAX_ATTEMPTS", "3")
	t.Setenv("GRANTLEDGER_EVIDENCE_KIND", "file")
	t.Setenv("GRANTLEDGER_EVIDENCE_ROOT", "/srv/evidence")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "sql", cfg.Idempotency.Backend)
	assert.Equal(t, 45*time.Second, cfg.Idempotency.LeaseTTL)
	assert.Equal(t, 3, cfg.Service.MaxAttempts, "env wins over file")
	assert.Equal(t, "/srv/evidence", cfg.Evidence.Root)
	assert.Equal(t, 250*time.Millisecond, cfg.Service.ProjectionPoll, "defaults survive")

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":     func(c *Config) { c.Store.Driver = "mysql" },
		"dsn":        func(c *Config) { c.Store.Driver = "postgres" },
		"backend":    func(c *Config) { c.Idempotency.Backend = "etcd" },
		"sql memory": func(c *Config) { c.Idempotency.Backend = "sql" },
		"evidence":   func(c *Config) { c.Evidence.Kind = "ftp" },
		"attempts":   func(c *Config) { c.Service.MaxAttempts = 0 },
		"level":      func(c *Config) { c.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
