package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	WorkDir  string `toml:"work_dir"`
	LogDir   string `toml:"log_dir"`
	LockFile string `toml:"lock_file"`
	APIBind  string `toml:"api_bind"`
}

// Ledger contains configuration for the remote job ledger.
type Ledger struct {
	URL             string `toml:"url"`
	ServiceKey      string `toml:"service_key"`
	ArchiveFolderID string `toml:"archive_folder_id"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

// Source contains configuration for fetching source media files.
type Source struct {
	DownloadBaseURL string `toml:"download_base_url"`
	AccessToken     string `toml:"access_token"`
	MaxRetries      int    `toml:"max_retries"`
	MaxTimeSeconds  int    `toml:"max_time_seconds"`
}

// Transcribe contains configuration for the speech-to-text provider.
type Transcribe struct {
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
}

// Embedding contains configuration for the text-embedding provider.
type Embedding struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// VideoHost contains configuration for the hosted-video provider.
type VideoHost struct {
	TokenID        string `toml:"token_id"`
	TokenSecret    string `toml:"token_secret"`
	BaseURL        string `toml:"base_url"`
	ReadyCeilingS  int    `toml:"ready_ceiling_seconds"`
	ReadyIntervalS int    `toml:"ready_interval_seconds"`
}

// Scheduler contains configuration for the delayed-task service that chains
// batch invocations.
type Scheduler struct {
	BaseURL   string `toml:"base_url"`
	Queue     string `toml:"queue"`
	WorkerURL string `toml:"worker_url"`
}

// Batch contains timing and rotation settings for the batch controller.
type Batch struct {
	IntervalSeconds        int      `toml:"interval_seconds"`
	StartDelaySeconds      int      `toml:"start_delay_seconds"`
	ArchiveIntervalSeconds int      `toml:"archive_interval_seconds"`
	StaleThresholdMinutes  int      `toml:"stale_threshold_minutes"`
	MinDurationSeconds     int      `toml:"min_duration_seconds"`
	BackgroundBatchSize    int      `toml:"background_batch_size"`
	Backgrounds            []string `toml:"backgrounds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root configuration for the worker and CLI.
type Config struct {
	Paths        Paths      `toml:"paths"`
	Ledger       Ledger     `toml:"ledger"`
	Source       Source     `toml:"source"`
	Transcribe   Transcribe `toml:"transcribe"`
	Embedding    Embedding  `toml:"embedding"`
	VideoHost    VideoHost  `toml:"videohost"`
	Scheduler    Scheduler  `toml:"scheduler"`
	Batch        Batch      `toml:"batch"`
	Logging      Logging    `toml:"logging"`
	WorkerSecret string     `toml:"worker_secret"`
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist. Environment variables override credential fields so secrets
// never need to live in the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", expanded, err)
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the work and log directories when missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"LEDGER_URL", &c.Ledger.URL},
		{"LEDGER_SERVICE_KEY", &c.Ledger.ServiceKey},
		{"SOURCE_ACCESS_TOKEN", &c.Source.AccessToken},
		{"TRANSCRIBE_API_KEY", &c.Transcribe.APIKey},
		{"EMBEDDING_API_KEY", &c.Embedding.APIKey},
		{"VIDEOHOST_TOKEN_ID", &c.VideoHost.TokenID},
		{"VIDEOHOST_TOKEN_SECRET", &c.VideoHost.TokenSecret},
		{"WORKER_SECRET", &c.WorkerSecret},
		{"WORKER_URL", &c.Scheduler.WorkerURL},
	}
	for _, o := range overrides {
		if value := strings.TrimSpace(os.Getenv(o.env)); value != "" {
			*o.target = value
		}
	}
}

func (c *Config) normalize() {
	c.Ledger.URL = strings.TrimRight(strings.TrimSpace(c.Ledger.URL), "/")
	c.Source.DownloadBaseURL = strings.TrimRight(strings.TrimSpace(c.Source.DownloadBaseURL), "/")
	c.Scheduler.BaseURL = strings.TrimRight(strings.TrimSpace(c.Scheduler.BaseURL), "/")
	c.Scheduler.WorkerURL = strings.TrimRight(strings.TrimSpace(c.Scheduler.WorkerURL), "/")
	c.VideoHost.BaseURL = strings.TrimRight(strings.TrimSpace(c.VideoHost.BaseURL), "/")
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return DefaultConfigPath()
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return trimmed, nil
}

// DefaultConfigPath returns the standard config location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "clipforge", "config.toml"), nil
}
