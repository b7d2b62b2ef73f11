package config

import (
	"fmt"
	"strings"
)

// Validate reports configuration problems that would prevent the worker from
// doing useful work. Credential checks are deferred to the individual
// clients so read-only commands still run without secrets.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.APIBind) == "" {
		problems = append(problems, "paths.api_bind must not be empty")
	}
	if c.Batch.IntervalSeconds <= 0 {
		problems = append(problems, "batch.interval_seconds must be positive")
	}
	if c.Batch.StartDelaySeconds <= 0 {
		problems = append(problems, "batch.start_delay_seconds must be positive")
	}
	if c.Batch.StaleThresholdMinutes <= 0 {
		problems = append(problems, "batch.stale_threshold_minutes must be positive")
	}
	if c.Batch.MinDurationSeconds < 0 {
		problems = append(problems, "batch.min_duration_seconds must not be negative")
	}
	if c.Batch.BackgroundBatchSize <= 0 {
		problems = append(problems, "batch.background_batch_size must be positive")
	}
	if len(c.Batch.Backgrounds) == 0 {
		problems = append(problems, "batch.backgrounds must list at least one image")
	}
	if c.Source.MaxRetries <= 0 {
		problems = append(problems, "source.max_retries must be positive")
	}
	if c.Source.MaxTimeSeconds <= 0 {
		problems = append(problems, "source.max_time_seconds must be positive")
	}
	if c.VideoHost.ReadyCeilingS <= 0 {
		problems = append(problems, "videohost.ready_ceiling_seconds must be positive")
	}
	if c.VideoHost.ReadyIntervalS <= 0 {
		problems = append(problems, "videohost.ready_interval_seconds must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
