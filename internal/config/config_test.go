package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Batch.IntervalSeconds != 30 {
		t.Fatalf("interval = %d, want 30", cfg.Batch.IntervalSeconds)
	}
	if cfg.Batch.StaleThresholdMinutes != 15 {
		t.Fatalf("stale threshold = %d, want 15", cfg.Batch.StaleThresholdMinutes)
	}
	if cfg.Batch.MinDurationSeconds != 30 {
		t.Fatalf("min duration = %d, want 30", cfg.Batch.MinDurationSeconds)
	}
	if cfg.Source.MaxRetries != 10 || cfg.Source.MaxTimeSeconds != 1800 {
		t.Fatalf("source = %+v", cfg.Source)
	}
	if cfg.Transcribe.Language != "nld" {
		t.Fatalf("language = %q, want nld", cfg.Transcribe.Language)
	}
	if len(cfg.Batch.Backgrounds) == 0 {
		t.Fatal("defaults must include backgrounds")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
worker_secret = "file-secret"

[ledger]
url = "https://ledger.example.com/rest/v1/"
service_key = "file-key"

[batch]
interval_seconds = 60
backgrounds = ["bg/one.jpg"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Batch.IntervalSeconds != 60 {
		t.Fatalf("interval = %d, want 60", cfg.Batch.IntervalSeconds)
	}
	// Trailing slash is normalized away.
	if cfg.Ledger.URL != "https://ledger.example.com/rest/v1" {
		t.Fatalf("ledger url = %q", cfg.Ledger.URL)
	}
	if cfg.WorkerSecret != "file-secret" {
		t.Fatalf("worker secret = %q", cfg.WorkerSecret)
	}
	// Untouched sections keep their defaults.
	if cfg.Batch.StartDelaySeconds != 5 {
		t.Fatalf("start delay = %d, want default 5", cfg.Batch.StartDelaySeconds)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[ledger]\nservice_key = \"file-key\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEDGER_SERVICE_KEY", "env-key")
	t.Setenv("WORKER_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.ServiceKey != "env-key" {
		t.Fatalf("service key = %q, want env override", cfg.Ledger.ServiceKey)
	}
	if cfg.WorkerSecret != "env-secret" {
		t.Fatalf("worker secret = %q", cfg.WorkerSecret)
	}
}

func TestLoadBadToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateCatchesProblems(t *testing.T) {
	cfg := Default()
	cfg.Batch.IntervalSeconds = 0
	cfg.Batch.Backgrounds = nil
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "batch.interval_seconds") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "batch.backgrounds") {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	// The sample must itself be loadable and valid.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample config invalid: %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.WorkDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("directory %s missing: %v", dir, err)
		}
	}
}
