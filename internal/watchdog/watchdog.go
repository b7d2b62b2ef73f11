// Package watchdog recovers jobs stranded in transitional states. A worker
// that dies mid-stage leaves its job claimed forever; the watchdog resets
// any job that has sat in a transitional state past the stale threshold
// back to pending so the next batch pass can retry it.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clipforge/internal/ledger"
	"clipforge/internal/logging"
)

// Store is the ledger surface the watchdog needs.
type Store interface {
	FindStale(ctx context.Context, states []ledger.Status, olderThan time.Duration) ([]ledger.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status ledger.Status, errorText string, extra map[string]any) error
}

// Watchdog sweeps for stale transitional jobs.
type Watchdog struct {
	store     Store
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a watchdog with the given staleness threshold.
func New(store Store, threshold time.Duration, logger *slog.Logger) *Watchdog {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	return &Watchdog{
		store:     store,
		threshold: threshold,
		logger:    logging.NewComponentLogger(logger, "watchdog"),
		now:       time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	if now != nil {
		w.now = now
	}
	return w
}

// Sweep resets every stale transitional job to pending and returns how many
// were reset. A reset failure on one job does not stop the sweep.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	stale, err := w.store.FindStale(ctx, ledger.TransitionalStatuses, w.threshold)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		w.logger.Debug("no stale jobs found")
		return 0, nil
	}

	w.logger.Info("stale jobs found", logging.Int("count", len(stale)))
	reset := 0
	for _, job := range stale {
		note := fmt.Sprintf("[Watchdog Reset] Job was stuck in '%s' state for >%d min. Auto-reset at %s",
			job.Status, int(w.threshold.Minutes()), w.now().UTC().Format(time.RFC3339))
		if err := w.store.UpdateStatus(ctx, job.ID, ledger.StatusPending, note, nil); err != nil {
			w.logger.Warn("stale job reset failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.String("stuck_in", string(job.Status)),
				logging.Error(err),
			)
			continue
		}
		w.logger.Info("stale job reset to pending",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("stuck_in", string(job.Status)),
		)
		reset++
	}
	return reset, nil
}
