package testsupport

import (
	"path/filepath"
	"testing"

	"clipforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.LockFile = filepath.Join(base, "clipforged.lock")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Ledger.URL = "http://ledger.test/rest/v1"
	cfg.Ledger.ServiceKey = "test-key"
	cfg.WorkerSecret = "test-secret"

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithWorkerSecret overrides the worker secret on the test config.
func WithWorkerSecret(secret string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.WorkerSecret = secret
	}
}

// WithLedger points the test config at a ledger endpoint, usually an
// httptest server.
func WithLedger(url, key string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Ledger.URL = url
		cfg.Ledger.ServiceKey = key
	}
}
