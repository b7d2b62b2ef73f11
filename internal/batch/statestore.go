package batch

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"clipforge/internal/ledger"
	"clipforge/internal/logging"
	"clipforge/internal/services"
)

const laneStateSchema = `
CREATE TABLE IF NOT EXISTS lane_state (
	lane TEXT PRIMARY KEY,
	active INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	total_jobs INTEGER NOT NULL DEFAULT 0,
	processed_jobs INTEGER NOT NULL DEFAULT 0,
	failed_jobs INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);`

// laneStateRemote is the ledger surface the fallback store mirrors.
type laneStateRemote interface {
	GetLaneState(ctx context.Context, lane ledger.Lane) (ledger.LaneState, error)
	SetLaneState(ctx context.Context, state ledger.LaneState) error
}

// LaneStates reads and writes per-lane batch state. The ledger is the
// source of truth; a local database shadows every write so lane control
// keeps working through a ledger outage.
type LaneStates struct {
	remote laneStateRemote
	db     *sql.DB
	logger *slog.Logger
}

// OpenLaneStates opens (and if needed creates) the local shadow database at
// path and wraps the remote lane state behind it.
func OpenLaneStates(path string, remote laneStateRemote, logger *slog.Logger) (*LaneStates, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "batch", "open lane state", "open local database", err)
	}
	if _, err := db.Exec(laneStateSchema); err != nil {
		db.Close()
		return nil, services.Wrap(services.ErrConfiguration, "batch", "open lane state", "create schema", err)
	}
	return &LaneStates{
		remote: remote,
		db:     db,
		logger: logging.NewComponentLogger(logger, "batch"),
	}, nil
}

// Close releases the local database.
func (s *LaneStates) Close() error {
	return s.db.Close()
}

// Get returns the lane state, preferring the ledger and falling back to the
// local shadow copy. A lane never seen before starts inactive and zeroed.
func (s *LaneStates) Get(ctx context.Context, lane ledger.Lane) (ledger.LaneState, error) {
	state, err := s.remote.GetLaneState(ctx, lane)
	if err == nil {
		return state, nil
	}
	s.logger.Warn("ledger lane state unavailable, using local copy",
		logging.String(logging.FieldLane, string(lane)),
		logging.Error(err),
	)
	return s.getLocal(ctx, lane)
}

// Set writes the lane state to the local shadow first, then to the ledger.
// A ledger write failure is logged, not returned: the counters are
// monitoring data and must not block lane control.
func (s *LaneStates) Set(ctx context.Context, state ledger.LaneState) error {
	state.UpdatedAt = time.Now().UTC()
	if err := s.setLocal(ctx, state); err != nil {
		return err
	}
	if err := s.remote.SetLaneState(ctx, state); err != nil {
		s.logger.Warn("ledger lane state write failed",
			logging.String(logging.FieldLane, string(state.Lane)),
			logging.Error(err),
		)
	}
	return nil
}

func (s *LaneStates) getLocal(ctx context.Context, lane ledger.Lane) (ledger.LaneState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT active, started_at, total_jobs, processed_jobs, failed_jobs, updated_at
		 FROM lane_state WHERE lane = ?`, string(lane))

	var active int
	var startedAt, updatedAt sql.NullString
	state := ledger.LaneState{Lane: lane}
	err := row.Scan(&active, &startedAt, &state.TotalJobs, &state.ProcessedJobs, &state.FailedJobs, &updatedAt)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, services.Wrap(services.ErrTransient, "batch", "get lane state", "local read", err)
	}
	state.Active = active != 0
	if startedAt.Valid {
		if ts, parseErr := time.Parse(time.RFC3339, startedAt.String); parseErr == nil {
			state.StartedAt = &ts
		}
	}
	if updatedAt.Valid {
		if ts, parseErr := time.Parse(time.RFC3339, updatedAt.String); parseErr == nil {
			state.UpdatedAt = ts
		}
	}
	return state, nil
}

func (s *LaneStates) setLocal(ctx context.Context, state ledger.LaneState) error {
	var startedAt any
	if state.StartedAt != nil {
		startedAt = state.StartedAt.UTC().Format(time.RFC3339)
	}
	active := 0
	if state.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lane_state (lane, active, started_at, total_jobs, processed_jobs, failed_jobs, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(lane) DO UPDATE SET
			active = excluded.active,
			started_at = excluded.started_at,
			total_jobs = excluded.total_jobs,
			processed_jobs = excluded.processed_jobs,
			failed_jobs = excluded.failed_jobs,
			updated_at = excluded.updated_at`,
		string(state.Lane), active, startedAt,
		state.TotalJobs, state.ProcessedJobs, state.FailedJobs,
		state.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return services.Wrap(services.ErrTransient, "batch", "set lane state", "local write", err)
	}
	return nil
}
