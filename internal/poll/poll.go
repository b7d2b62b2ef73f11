// Package poll provides a bounded retry-with-timeout helper for readiness
// loops, with the interval and ceiling as first-class values instead of
// loop counters.
package poll

import (
	"context"
	"time"

	"clipforge/internal/services"
)

// Config bounds a polling loop.
type Config struct {
	// Interval is the delay between probe attempts.
	Interval time.Duration
	// Ceiling is the maximum total wall-clock time spent polling.
	Ceiling time.Duration
}

// Until invokes probe every Interval until it reports done, the ceiling is
// exceeded, or the context is cancelled. A probe error aborts immediately.
// Exceeding the ceiling returns a services.ErrTimeout-tagged error naming op.
func Until(ctx context.Context, cfg Config, op string, probe func(ctx context.Context) (done bool, err error)) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = time.Minute
	}

	deadline := time.Now().Add(cfg.Ceiling)
	for {
		done, err := probe(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().Add(cfg.Interval).After(deadline) {
			return services.Wrap(services.ErrTimeout, op, "poll", "ceiling "+cfg.Ceiling.String()+" exceeded", nil)
		}
		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
