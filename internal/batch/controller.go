// Package batch runs the two processing lanes. A lane is started once,
// then drives itself: each process-next call handles one job and schedules
// the next call through the task queue, so no loop survives in-process.
// The full lane runs the watchdog before every job for self-healing; the
// archive lane is a transcript-only pass over the archive folder.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"clipforge/internal/ledger"
	"clipforge/internal/logging"
	"clipforge/internal/metrics"
	"clipforge/internal/pipeline"
)

// Sentinel results for lane control.
var (
	ErrAlreadyActive = errors.New("batch already active")
	ErrNoWork        = errors.New("no pending jobs")
)

// Callback paths scheduled on the task queue.
const (
	PathProcessNext        = "/batch/process-next"
	PathArchiveProcessNext = "/batch/archive/process-next"
)

// Ledger is the job-queue surface the controller needs.
type Ledger interface {
	NextPending(ctx context.Context) (*ledger.Job, error)
	NextPendingArchive(ctx context.Context) (*ledger.Job, error)
	CountPending(ctx context.Context, staleThreshold time.Duration) (int, error)
	CountPendingArchive(ctx context.Context) (int, error)
	Claim(ctx context.Context, jobID string) (bool, error)
	StatusCounts(ctx context.Context) (map[ledger.Status]int, error)
}

// Scheduler enqueues the delayed callbacks that keep a lane moving.
type Scheduler interface {
	Configured() bool
	ScheduleCallback(ctx context.Context, path string, delay time.Duration) (string, error)
	CancelAll(ctx context.Context) (int, error)
}

// Runner executes one claimed job.
type Runner interface {
	Run(ctx context.Context, job *ledger.Job) (pipeline.Outcome, error)
	RunArchive(ctx context.Context, job *ledger.Job) (pipeline.Outcome, error)
}

// Watchdog recovers stale jobs before a lane picks new work.
type Watchdog interface {
	Sweep(ctx context.Context) (int, error)
}

// Config holds lane timing.
type Config struct {
	// Interval is the delay between full-lane jobs.
	Interval time.Duration
	// StartDelay is the delay before the first job of a batch.
	StartDelay time.Duration
	// ArchiveInterval is the delay between archive-lane jobs.
	ArchiveInterval time.Duration
	// StaleThreshold feeds the pending count, which includes stuck jobs the
	// watchdog will recover.
	StaleThreshold time.Duration
}

// Controller coordinates both lanes.
type Controller struct {
	cfg       Config
	store     Ledger
	states    *LaneStates
	scheduler Scheduler
	runner    Runner
	watchdog  Watchdog
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewController wires a controller.
func NewController(cfg Config, store Ledger, states *LaneStates, sched Scheduler, runner Runner, wd Watchdog, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = 5 * time.Second
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = cfg.Interval
	}
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		cfg:       cfg,
		store:     store,
		states:    states,
		scheduler: sched,
		runner:    runner,
		watchdog:  wd,
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "batch"),
		now:       time.Now,
	}
}

// StartResult reports a successful lane start.
type StartResult struct {
	PendingJobs int
	FirstTask   string
}

// Start activates the full lane and schedules its first callback.
func (c *Controller) Start(ctx context.Context) (StartResult, error) {
	return c.start(ctx, ledger.LaneFull, PathProcessNext, c.countFull)
}

// StartArchive activates the archive lane.
func (c *Controller) StartArchive(ctx context.Context) (StartResult, error) {
	return c.start(ctx, ledger.LaneArchive, PathArchiveProcessNext, c.store.CountPendingArchive)
}

func (c *Controller) start(ctx context.Context, lane ledger.Lane, path string, count func(context.Context) (int, error)) (StartResult, error) {
	state, err := c.states.Get(ctx, lane)
	if err != nil {
		return StartResult{}, err
	}
	if state.Active {
		return StartResult{}, ErrAlreadyActive
	}

	pending, err := count(ctx)
	if err != nil {
		return StartResult{}, err
	}
	if pending == 0 {
		return StartResult{}, ErrNoWork
	}

	started := c.now().UTC()
	state.Lane = lane
	state.Active = true
	state.StartedAt = &started
	state.TotalJobs = pending
	state.ProcessedJobs = 0
	state.FailedJobs = 0
	if err := c.states.Set(ctx, state); err != nil {
		return StartResult{}, err
	}

	task, err := c.scheduler.ScheduleCallback(ctx, path, c.cfg.StartDelay)
	if err != nil {
		// Without a first callback the lane would sit active forever.
		state.Active = false
		c.states.Set(ctx, state)
		return StartResult{}, err
	}

	c.logger.Info("lane started",
		logging.String(logging.FieldLane, string(lane)),
		logging.Int("pending_jobs", pending),
		logging.String("first_task", task),
	)
	return StartResult{PendingJobs: pending, FirstTask: task}, nil
}

// StopResult reports a lane stop.
type StopResult struct {
	CancelledTasks int
}

// Stop deactivates the full lane and cancels its queued callbacks.
func (c *Controller) Stop(ctx context.Context) (StopResult, error) {
	return c.stop(ctx, ledger.LaneFull)
}

// StopArchive deactivates the archive lane.
func (c *Controller) StopArchive(ctx context.Context) (StopResult, error) {
	return c.stop(ctx, ledger.LaneArchive)
}

func (c *Controller) stop(ctx context.Context, lane ledger.Lane) (StopResult, error) {
	cancelled, err := c.scheduler.CancelAll(ctx)
	if err != nil {
		c.logger.Warn("task cancellation failed during stop", logging.Error(err))
	}

	state, err := c.states.Get(ctx, lane)
	if err != nil {
		return StopResult{}, err
	}
	state.Lane = lane
	state.Active = false
	if err := c.states.Set(ctx, state); err != nil {
		return StopResult{}, err
	}
	c.logger.Info("lane stopped",
		logging.String(logging.FieldLane, string(lane)),
		logging.Int("cancelled_tasks", cancelled),
	)
	return StopResult{CancelledTasks: cancelled}, nil
}

// LaneStatus is a point-in-time view of one lane.
type LaneStatus struct {
	Active       bool
	StartedAt    *time.Time
	Pending      int
	TotalInBatch int
	Processed    int
	Failed       int
	StatusCounts map[ledger.Status]int
}

// Status reports the full lane.
func (c *Controller) Status(ctx context.Context) (LaneStatus, error) {
	return c.status(ctx, ledger.LaneFull, c.countFull)
}

// StatusArchive reports the archive lane.
func (c *Controller) StatusArchive(ctx context.Context) (LaneStatus, error) {
	return c.status(ctx, ledger.LaneArchive, c.store.CountPendingArchive)
}

func (c *Controller) status(ctx context.Context, lane ledger.Lane, count func(context.Context) (int, error)) (LaneStatus, error) {
	state, err := c.states.Get(ctx, lane)
	if err != nil {
		return LaneStatus{}, err
	}
	pending, err := count(ctx)
	if err != nil {
		return LaneStatus{}, err
	}
	counts, err := c.store.StatusCounts(ctx)
	if err != nil {
		c.logger.Warn("status counts unavailable", logging.Error(err))
		counts = nil
	}
	return LaneStatus{
		Active:       state.Active,
		StartedAt:    state.StartedAt,
		Pending:      pending,
		TotalInBatch: state.TotalJobs,
		Processed:    state.ProcessedJobs,
		Failed:       state.FailedJobs,
		StatusCounts: counts,
	}, nil
}

// ProcessResult reports one process-next pass.
type ProcessResult struct {
	// Skipped means the lane was not active.
	Skipped bool
	// Completed means the lane ran out of work and deactivated itself.
	Completed bool
	// JobID is set when a job was attempted.
	JobID string
	// Success reflects the pipeline outcome for that job.
	Success bool
	// WatchdogResets counts stale jobs recovered before processing.
	WatchdogResets int
}

// ProcessNext handles one full-lane job. The watchdog runs first so a
// worker crash never strands the lane.
func (c *Controller) ProcessNext(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult

	reset, err := c.watchdog.Sweep(ctx)
	if err != nil {
		c.logger.Warn("watchdog sweep failed", logging.Error(err))
	} else if reset > 0 {
		c.metrics.WatchdogResets.Add(float64(reset))
		result.WatchdogResets = reset
	}

	state, err := c.states.Get(ctx, ledger.LaneFull)
	if err != nil {
		return result, err
	}
	if !state.Active {
		c.logger.Info("full lane not active, skipping")
		result.Skipped = true
		return result, nil
	}

	job, err := c.store.NextPending(ctx)
	if err != nil {
		return result, err
	}
	if job == nil {
		c.logger.Info("no more pending jobs, full lane complete")
		c.deactivate(ctx, ledger.LaneFull)
		result.Completed = true
		return result, nil
	}
	result.JobID = job.ID

	claimed, err := c.store.Claim(ctx, job.ID)
	if err != nil || !claimed {
		if err != nil {
			c.logger.Warn("claim error", logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		} else {
			c.logger.Info("job already claimed elsewhere", logging.String(logging.FieldJobID, job.ID))
		}
		c.metrics.ClaimAttempts.WithLabelValues("lost").Inc()
		c.advance(ctx, ledger.LaneFull, PathProcessNext, c.cfg.Interval, c.countFull, false)
		return result, nil
	}
	c.metrics.ClaimAttempts.WithLabelValues("won").Inc()

	outcome, runErr := c.runner.Run(ctx, job)
	if runErr != nil {
		c.logger.Warn("pipeline run failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(runErr),
		)
	}
	result.Success = outcome != pipeline.OutcomeFailed

	c.advance(ctx, ledger.LaneFull, PathProcessNext, c.cfg.Interval, c.countFull, result.Success)
	return result, nil
}

// ProcessNextArchive handles one archive-lane job. Archive jobs are keyed
// by their missing transcript rather than claimed, so a retried job never
// gets stuck in an unclaimable failure state.
func (c *Controller) ProcessNextArchive(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult

	state, err := c.states.Get(ctx, ledger.LaneArchive)
	if err != nil {
		return result, err
	}
	if !state.Active {
		c.logger.Info("archive lane not active, skipping")
		result.Skipped = true
		return result, nil
	}

	job, err := c.store.NextPendingArchive(ctx)
	if err != nil {
		return result, err
	}
	if job == nil {
		c.logger.Info("no more archive jobs, archive lane complete")
		c.deactivate(ctx, ledger.LaneArchive)
		result.Completed = true
		return result, nil
	}
	result.JobID = job.ID

	outcome, runErr := c.runner.RunArchive(ctx, job)
	if runErr != nil {
		c.logger.Warn("archive run failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(runErr),
		)
	}
	result.Success = outcome != pipeline.OutcomeFailed

	c.advance(ctx, ledger.LaneArchive, PathArchiveProcessNext, c.cfg.ArchiveInterval, c.store.CountPendingArchive, result.Success)
	return result, nil
}

// RunWatchdog exposes a manual sweep for the watchdog endpoint.
func (c *Controller) RunWatchdog(ctx context.Context) (int, error) {
	reset, err := c.watchdog.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		c.metrics.WatchdogResets.Add(float64(reset))
	}
	return reset, nil
}

// advance bumps the lane counters and schedules the next callback, or
// deactivates the lane when the queue has drained.
func (c *Controller) advance(ctx context.Context, lane ledger.Lane, path string, delay time.Duration, count func(context.Context) (int, error), success bool) {
	state, err := c.states.Get(ctx, lane)
	if err != nil {
		c.logger.Warn("lane state read failed after job", logging.Error(err))
		return
	}
	if !state.Active {
		c.logger.Info("lane no longer active, not scheduling next",
			logging.String(logging.FieldLane, string(lane)))
		return
	}

	state.ProcessedJobs++
	if !success {
		state.FailedJobs++
	}
	if err := c.states.Set(ctx, state); err != nil {
		c.logger.Warn("lane state write failed after job", logging.Error(err))
	}

	pending, err := count(ctx)
	if err != nil {
		c.logger.Warn("pending count failed, scheduling next anyway", logging.Error(err))
		pending = 1
	}
	if pending == 0 {
		c.logger.Info("lane drained", logging.String(logging.FieldLane, string(lane)))
		c.deactivate(ctx, lane)
		return
	}

	if _, err := c.scheduler.ScheduleCallback(ctx, path, delay); err != nil {
		// The chain is broken; leave the lane inactive rather than lying
		// about work that will never happen.
		c.logger.Error("next callback scheduling failed, deactivating lane",
			logging.String(logging.FieldLane, string(lane)),
			logging.Error(err),
		)
		c.deactivate(ctx, lane)
	}
}

func (c *Controller) deactivate(ctx context.Context, lane ledger.Lane) {
	state, err := c.states.Get(ctx, lane)
	if err != nil {
		c.logger.Warn("lane state read failed during deactivation", logging.Error(err))
		state = ledger.LaneState{Lane: lane}
	}
	state.Lane = lane
	state.Active = false
	if err := c.states.Set(ctx, state); err != nil {
		c.logger.Warn("lane deactivation write failed", logging.Error(err))
	}
}

func (c *Controller) countFull(ctx context.Context) (int, error) {
	return c.store.CountPending(ctx, c.cfg.StaleThreshold)
}
