package batch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"clipforge/internal/ledger"
	"clipforge/internal/logging"
	"clipforge/internal/pipeline"
)

type fakeRemote struct {
	states map[ledger.Lane]ledger.LaneState
	getErr error
	setErr error
}

func (f *fakeRemote) GetLaneState(ctx context.Context, lane ledger.Lane) (ledger.LaneState, error) {
	if f.getErr != nil {
		return ledger.LaneState{}, f.getErr
	}
	return f.states[lane], nil
}

func (f *fakeRemote) SetLaneState(ctx context.Context, state ledger.LaneState) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.states[state.Lane] = state
	return nil
}

type fakeLedger struct {
	pending        []*ledger.Job
	archivePending []*ledger.Job
	claimResults   map[string]bool
	claims         []string
}

func (f *fakeLedger) NextPending(ctx context.Context) (*ledger.Job, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	return f.pending[0], nil
}

func (f *fakeLedger) NextPendingArchive(ctx context.Context) (*ledger.Job, error) {
	if len(f.archivePending) == 0 {
		return nil, nil
	}
	return f.archivePending[0], nil
}

func (f *fakeLedger) CountPending(ctx context.Context, staleThreshold time.Duration) (int, error) {
	return len(f.pending), nil
}

func (f *fakeLedger) CountPendingArchive(ctx context.Context) (int, error) {
	return len(f.archivePending), nil
}

func (f *fakeLedger) Claim(ctx context.Context, jobID string) (bool, error) {
	f.claims = append(f.claims, jobID)
	if f.claimResults == nil {
		return true, nil
	}
	won, ok := f.claimResults[jobID]
	if !ok {
		return true, nil
	}
	return won, nil
}

func (f *fakeLedger) StatusCounts(ctx context.Context) (map[ledger.Status]int, error) {
	return map[ledger.Status]int{ledger.StatusPending: len(f.pending)}, nil
}

type fakeScheduler struct {
	scheduled   []string
	scheduleErr error
	cancelled   int
}

func (f *fakeScheduler) Configured() bool { return true }

func (f *fakeScheduler) ScheduleCallback(ctx context.Context, path string, delay time.Duration) (string, error) {
	if f.scheduleErr != nil {
		return "", f.scheduleErr
	}
	f.scheduled = append(f.scheduled, path)
	return "task-1", nil
}

func (f *fakeScheduler) CancelAll(ctx context.Context) (int, error) {
	f.cancelled++
	return 2, nil
}

type fakeRunner struct {
	outcome pipeline.Outcome
	ran     []string
	// popLedger drains the fake queue so counts reflect completed work.
	popLedger *fakeLedger
	archive   bool
}

func (f *fakeRunner) Run(ctx context.Context, job *ledger.Job) (pipeline.Outcome, error) {
	f.ran = append(f.ran, job.ID)
	if f.popLedger != nil && len(f.popLedger.pending) > 0 {
		f.popLedger.pending = f.popLedger.pending[1:]
	}
	if f.outcome == pipeline.OutcomeFailed {
		return f.outcome, errors.New("run failed")
	}
	return f.outcome, nil
}

func (f *fakeRunner) RunArchive(ctx context.Context, job *ledger.Job) (pipeline.Outcome, error) {
	f.ran = append(f.ran, job.ID)
	if f.popLedger != nil && len(f.popLedger.archivePending) > 0 {
		f.popLedger.archivePending = f.popLedger.archivePending[1:]
	}
	return f.outcome, nil
}

type fakeWatchdog struct {
	resets int
}

func (f *fakeWatchdog) Sweep(ctx context.Context) (int, error) {
	return f.resets, nil
}

type harness struct {
	controller *Controller
	store      *fakeLedger
	remote     *fakeRemote
	sched      *fakeScheduler
	runner     *fakeRunner
	wd         *fakeWatchdog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	remote := &fakeRemote{states: make(map[ledger.Lane]ledger.LaneState)}
	states, err := OpenLaneStates(filepath.Join(t.TempDir(), "lanes.db"), remote, logging.NewNop())
	if err != nil {
		t.Fatalf("OpenLaneStates: %v", err)
	}
	t.Cleanup(func() { states.Close() })

	store := &fakeLedger{}
	sched := &fakeScheduler{}
	runner := &fakeRunner{popLedger: store}
	wd := &fakeWatchdog{}
	controller := NewController(Config{
		Interval:       30 * time.Second,
		StartDelay:     5 * time.Second,
		StaleThreshold: 15 * time.Minute,
	}, store, states, sched, runner, wd, nil, logging.NewNop())
	return &harness{controller, store, remote, sched, runner, wd}
}

func job(id string) *ledger.Job {
	return &ledger.Job{ID: id, SourceFileID: "file-" + id, Status: ledger.StatusPending}
}

func TestStartActivatesLane(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a"), job("b")}

	result, err := h.controller.Start(testContext(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.PendingJobs != 2 || result.FirstTask != "task-1" {
		t.Fatalf("result = %+v", result)
	}
	state := h.remote.states[ledger.LaneFull]
	if !state.Active || state.TotalJobs != 2 || state.ProcessedJobs != 0 {
		t.Fatalf("state = %+v", state)
	}
	if state.StartedAt == nil {
		t.Fatal("StartedAt must be set")
	}
	if len(h.sched.scheduled) != 1 || h.sched.scheduled[0] != PathProcessNext {
		t.Fatalf("scheduled = %v", h.sched.scheduled)
	}
}

func TestStartNoWork(t *testing.T) {
	h := newHarness(t)
	if _, err := h.controller.Start(testContext(t)); !errors.Is(err, ErrNoWork) {
		t.Fatalf("err = %v, want ErrNoWork", err)
	}
}

func TestStartAlreadyActive(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a")}
	if _, err := h.controller.Start(testContext(t)); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := h.controller.Start(testContext(t)); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestStartScheduleFailureDeactivates(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a")}
	h.sched.scheduleErr = errors.New("queue down")
	if _, err := h.controller.Start(testContext(t)); err == nil {
		t.Fatal("expected schedule failure to surface")
	}
	if h.remote.states[ledger.LaneFull].Active {
		t.Fatal("lane must not stay active without a first callback")
	}
}

func TestStopCancelsTasks(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a")}
	h.controller.Start(testContext(t))

	result, err := h.controller.Stop(testContext(t))
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.CancelledTasks != 2 {
		t.Fatalf("cancelled = %d", result.CancelledTasks)
	}
	if h.remote.states[ledger.LaneFull].Active {
		t.Fatal("lane still active after stop")
	}
}

func TestProcessNextInactiveSkips(t *testing.T) {
	h := newHarness(t)
	result, err := h.controller.ProcessNext(testContext(t))
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("result = %+v, want skipped", result)
	}
	if len(h.runner.ran) != 0 {
		t.Fatal("no job should run while inactive")
	}
}

func TestProcessNextRunsAndSchedulesNext(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a"), job("b")}
	h.controller.Start(testContext(t))
	h.sched.scheduled = nil

	result, err := h.controller.ProcessNext(testContext(t))
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if result.JobID != "a" || !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(h.runner.ran) != 1 || h.runner.ran[0] != "a" {
		t.Fatalf("ran = %v", h.runner.ran)
	}
	state := h.remote.states[ledger.LaneFull]
	if state.ProcessedJobs != 1 || state.FailedJobs != 0 {
		t.Fatalf("state = %+v", state)
	}
	if len(h.sched.scheduled) != 1 || h.sched.scheduled[0] != PathProcessNext {
		t.Fatalf("scheduled = %v", h.sched.scheduled)
	}
}

func TestProcessNextDrainDeactivates(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a")}
	h.controller.Start(testContext(t))
	h.sched.scheduled = nil

	result, err := h.controller.ProcessNext(testContext(t))
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if result.JobID != "a" {
		t.Fatalf("result = %+v", result)
	}
	// The runner drained the queue, so no further callback is scheduled
	// and the lane deactivates.
	if len(h.sched.scheduled) != 0 {
		t.Fatalf("scheduled = %v, want none after drain", h.sched.scheduled)
	}
	if h.remote.states[ledger.LaneFull].Active {
		t.Fatal("lane must deactivate once drained")
	}

	followup, err := h.controller.ProcessNext(testContext(t))
	if err != nil {
		t.Fatalf("follow-up ProcessNext: %v", err)
	}
	if !followup.Skipped {
		t.Fatalf("follow-up = %+v, want skipped", followup)
	}
}

func TestProcessNextLostClaimStillAdvances(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a"), job("b")}
	h.store.claimResults = map[string]bool{"a": false}
	h.controller.Start(testContext(t))
	h.sched.scheduled = nil

	result, err := h.controller.ProcessNext(testContext(t))
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if result.Success {
		t.Fatal("lost claim must not count as success")
	}
	if len(h.runner.ran) != 0 {
		t.Fatal("lost claim must not run the pipeline")
	}
	if len(h.sched.scheduled) != 1 {
		t.Fatalf("scheduled = %v, chain must continue after a lost claim", h.sched.scheduled)
	}
	state := h.remote.states[ledger.LaneFull]
	if state.FailedJobs != 1 {
		t.Fatalf("state = %+v", state)
	}
}

func TestProcessNextFailedRunCountsFailure(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a"), job("b")}
	h.runner.outcome = pipeline.OutcomeFailed
	h.controller.Start(testContext(t))

	result, err := h.controller.ProcessNext(testContext(t))
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if result.Success {
		t.Fatal("failed run must not report success")
	}
	state := h.remote.states[ledger.LaneFull]
	if state.ProcessedJobs != 1 || state.FailedJobs != 1 {
		t.Fatalf("state = %+v", state)
	}
}

func TestProcessNextReportsWatchdogResets(t *testing.T) {
	h := newHarness(t)
	h.wd.resets = 3
	result, err := h.controller.ProcessNext(testContext(t))
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if result.WatchdogResets != 3 {
		t.Fatalf("resets = %d, want 3", result.WatchdogResets)
	}
}

func TestProcessNextArchiveDoesNotClaim(t *testing.T) {
	h := newHarness(t)
	h.store.archivePending = []*ledger.Job{job("arch-1")}
	if _, err := h.controller.StartArchive(testContext(t)); err != nil {
		t.Fatalf("StartArchive: %v", err)
	}

	result, err := h.controller.ProcessNextArchive(testContext(t))
	if err != nil {
		t.Fatalf("ProcessNextArchive: %v", err)
	}
	if result.JobID != "arch-1" || !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(h.store.claims) != 0 {
		t.Fatalf("archive lane must not claim, claims = %v", h.store.claims)
	}
}

func TestStatusReportsCounters(t *testing.T) {
	h := newHarness(t)
	h.store.pending = []*ledger.Job{job("a"), job("b")}
	h.controller.Start(testContext(t))

	status, err := h.controller.Status(testContext(t))
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Active || status.Pending != 2 || status.TotalInBatch != 2 {
		t.Fatalf("status = %+v", status)
	}
	if status.StatusCounts[ledger.StatusPending] != 2 {
		t.Fatalf("counts = %v", status.StatusCounts)
	}
}

func TestLaneStatesLocalFallback(t *testing.T) {
	remote := &fakeRemote{states: make(map[ledger.Lane]ledger.LaneState)}
	states, err := OpenLaneStates(filepath.Join(t.TempDir(), "lanes.db"), remote, logging.NewNop())
	if err != nil {
		t.Fatalf("OpenLaneStates: %v", err)
	}
	defer states.Close()

	started := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	want := ledger.LaneState{
		Lane:          ledger.LaneFull,
		Active:        true,
		StartedAt:     &started,
		TotalJobs:     7,
		ProcessedJobs: 3,
		FailedJobs:    1,
	}
	if err := states.Set(testContext(t), want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Ledger goes dark; the local shadow must answer.
	remote.getErr = errors.New("ledger unavailable")
	got, err := states.Get(testContext(t), ledger.LaneFull)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Active || got.TotalJobs != 7 || got.ProcessedJobs != 3 || got.FailedJobs != 1 {
		t.Fatalf("got = %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, started)
	}
}

func TestLaneStatesRemoteWriteFailureTolerated(t *testing.T) {
	remote := &fakeRemote{states: make(map[ledger.Lane]ledger.LaneState), setErr: errors.New("ledger down")}
	states, err := OpenLaneStates(filepath.Join(t.TempDir(), "lanes.db"), remote, logging.NewNop())
	if err != nil {
		t.Fatalf("OpenLaneStates: %v", err)
	}
	defer states.Close()

	if err := states.Set(testContext(t), ledger.LaneState{Lane: ledger.LaneArchive, Active: true}); err != nil {
		t.Fatalf("Set must tolerate a ledger write failure: %v", err)
	}
}
