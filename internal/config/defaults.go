package config

import (
	"os"
	"path/filepath"
)

const (
	defaultBatchInterval        = 30
	defaultStartDelay           = 5
	defaultStaleThresholdMin    = 15
	defaultMinDurationSeconds   = 30
	defaultBackgroundBatchSize  = 10
	defaultTransferMaxRetries   = 10
	defaultTransferMaxTime      = 1800
	defaultReadyCeilingSeconds  = 600
	defaultReadyIntervalSeconds = 5
	defaultLedgerTimeoutSeconds = 15
)

// Default returns a configuration populated with worker defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".local", "share", "clipforge")

	return &Config{
		Paths: Paths{
			WorkDir:  filepath.Join(base, "work"),
			LogDir:   filepath.Join(base, "logs"),
			LockFile: filepath.Join(base, "clipforged.lock"),
			APIBind:  "127.0.0.1:8080",
		},
		Ledger: Ledger{
			TimeoutSeconds: defaultLedgerTimeoutSeconds,
		},
		Source: Source{
			MaxRetries:     defaultTransferMaxRetries,
			MaxTimeSeconds: defaultTransferMaxTime,
		},
		Transcribe: Transcribe{
			BaseURL:  "https://api.elevenlabs.io/v1",
			Model:    "scribe_v1",
			Language: "nld",
		},
		Embedding: Embedding{
			BaseURL: "https://api.openai.com/v1",
			Model:   "text-embedding-3-small",
		},
		VideoHost: VideoHost{
			BaseURL:        "https://api.mux.com",
			ReadyCeilingS:  defaultReadyCeilingSeconds,
			ReadyIntervalS: defaultReadyIntervalSeconds,
		},
		Scheduler: Scheduler{
			Queue: "video-batch-queue",
		},
		Batch: Batch{
			IntervalSeconds:        defaultBatchInterval,
			StartDelaySeconds:      defaultStartDelay,
			ArchiveIntervalSeconds: defaultBatchInterval,
			StaleThresholdMinutes:  defaultStaleThresholdMin,
			MinDurationSeconds:     defaultMinDurationSeconds,
			BackgroundBatchSize:    defaultBackgroundBatchSize,
			Backgrounds: []string{
				"backgrounds/bg_office_morning_1080p.jpg",
				"backgrounds/bg_office_golden_hour_1080p.jpg",
				"backgrounds/bg_office_evening_1080p.jpg",
			},
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}
