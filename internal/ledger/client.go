package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clipforge/internal/logging"
	"clipforge/internal/services"
)

const (
	jobsTable  = "ingest_jobs"
	lanesTable = "batch_lanes"

	defaultTimeout  = 15 * time.Second
	progressTimeout = 5 * time.Second
)

// Config captures the settings required to talk to the job ledger.
type Config struct {
	URL             string
	ServiceKey      string
	ArchiveFolderID string
	Timeout         time.Duration
}

// Client provides typed access to the remote job ledger over its REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs a ledger client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		cfg: Config{
			URL:             strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
			ServiceKey:      strings.TrimSpace(cfg.ServiceKey),
			ArchiveFolderID: strings.TrimSpace(cfg.ArchiveFolderID),
			Timeout:         timeout,
		},
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger(logger, "ledger"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) checkConfigured() error {
	if c.cfg.URL == "" || c.cfg.ServiceKey == "" {
		return services.Wrap(services.ErrConfiguration, "ledger", "configure", "url and service key required", nil)
	}
	return nil
}

// NextPending returns the single oldest claimable job outside the archive
// folder, or nil when no work remains.
func (c *Client) NextPending(ctx context.Context) (*Job, error) {
	query := url.Values{}
	query.Set("status", "in.("+statusList(ClaimableStatuses)+")")
	if c.cfg.ArchiveFolderID != "" {
		query.Set("source_folder_id", "neq."+c.cfg.ArchiveFolderID)
	}
	query.Set("order", "created_at.asc")
	query.Set("limit", "1")
	return c.fetchOne(ctx, "next pending", query)
}

// NextPendingArchive returns the oldest archive-folder job that has no
// transcript yet and is not already archive-terminal.
func (c *Client) NextPendingArchive(ctx context.Context) (*Job, error) {
	if c.cfg.ArchiveFolderID == "" {
		return nil, services.Wrap(services.ErrConfiguration, "ledger", "next archive", "archive folder id required", nil)
	}
	query := url.Values{}
	query.Set("source_folder_id", "eq."+c.cfg.ArchiveFolderID)
	query.Set("transcript", "is.null")
	query.Set("status", "neq."+string(StatusArchiveTranscribed))
	query.Set("order", "created_at.asc")
	query.Set("limit", "1")
	return c.fetchOne(ctx, "next archive", query)
}

// CountPending counts claimable jobs outside the archive folder, plus the
// jobs currently stale in transitional states so that remaining-work
// estimates already include jobs the watchdog is about to recover.
func (c *Client) CountPending(ctx context.Context, staleThreshold time.Duration) (int, error) {
	query := url.Values{}
	query.Set("select", "id")
	query.Set("status", "in.("+statusList(ClaimableStatuses)+")")
	if c.cfg.ArchiveFolderID != "" {
		query.Set("source_folder_id", "neq."+c.cfg.ArchiveFolderID)
	}
	count, err := c.count(ctx, "count pending", query)
	if err != nil {
		return 0, err
	}

	cutoff := c.now().UTC().Add(-staleThreshold)
	staleQuery := url.Values{}
	staleQuery.Set("select", "id")
	staleQuery.Set("status", "in.("+statusList(TransitionalStatuses)+")")
	staleQuery.Set("updated_at", "lt."+cutoff.Format(time.RFC3339))
	if c.cfg.ArchiveFolderID != "" {
		staleQuery.Set("source_folder_id", "neq."+c.cfg.ArchiveFolderID)
	}
	stale, err := c.count(ctx, "count stale", staleQuery)
	if err != nil {
		return 0, err
	}
	if stale > 0 {
		c.logger.Info("stale jobs counted as pending",
			logging.Int("stale", stale),
			logging.String(logging.FieldEventType, "stale_counted"),
		)
	}
	return count + stale, nil
}

// CountPendingArchive counts archive jobs that still need a transcript.
func (c *Client) CountPendingArchive(ctx context.Context) (int, error) {
	if c.cfg.ArchiveFolderID == "" {
		return 0, services.Wrap(services.ErrConfiguration, "ledger", "count archive", "archive folder id required", nil)
	}
	query := url.Values{}
	query.Set("select", "id")
	query.Set("source_folder_id", "eq."+c.cfg.ArchiveFolderID)
	query.Set("transcript", "is.null")
	query.Set("status", "neq."+string(StatusArchiveTranscribed))
	return c.count(ctx, "count archive", query)
}

// Claim atomically transitions a job to external_processing, but only when
// its status is still claimable. Returns false when another worker won the
// race. This conditional update is the sole concurrency-safety mechanism:
// it must stay a single conditional write, never a read-then-write.
func (c *Client) Claim(ctx context.Context, jobID string) (bool, error) {
	if err := c.checkConfigured(); err != nil {
		return false, err
	}
	query := url.Values{}
	query.Set("id", "eq."+jobID)
	query.Set("status", "in.("+statusList(ClaimableStatuses)+")")

	now := c.now().UTC()
	body := map[string]any{
		"status":        StatusExternalProcessing,
		"error_message": "claimed at " + now.Format(time.RFC3339),
		"updated_at":    now.Format(time.RFC3339),
	}

	rows, err := c.patch(ctx, "claim", jobsTable, query, body, "return=representation")
	if err != nil {
		return false, err
	}
	var updated []Job
	if err := json.Unmarshal(rows, &updated); err != nil {
		return false, services.Wrap(services.ErrTransient, "ledger", "claim", "decode response", err)
	}
	return len(updated) > 0, nil
}

// UpdateStatus writes a new status plus any extra fields, always refreshing
// updated_at. That refresh is the contract the watchdog depends on to detect
// staleness.
func (c *Client) UpdateStatus(ctx context.Context, jobID string, status Status, errorText string, extra map[string]any) error {
	if err := c.checkConfigured(); err != nil {
		return err
	}
	query := url.Values{}
	query.Set("id", "eq."+jobID)

	body := map[string]any{
		"status":     status,
		"updated_at": c.now().UTC().Format(time.RFC3339),
	}
	if errorText != "" {
		body["error_message"] = services.Truncate(errorText, 500)
	}
	for key, value := range extra {
		body[key] = value
	}

	if _, err := c.patch(ctx, "update status", jobsTable, query, body, "return=minimal"); err != nil {
		return err
	}
	return nil
}

// FindStale returns jobs stuck in the given transitional states whose
// updated_at is older than the threshold, excluding the archive folder.
func (c *Client) FindStale(ctx context.Context, states []Status, olderThan time.Duration) ([]Job, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	cutoff := c.now().UTC().Add(-olderThan)
	query := url.Values{}
	query.Set("status", "in.("+statusList(states)+")")
	query.Set("updated_at", "lt."+cutoff.Format(time.RFC3339))
	if c.cfg.ArchiveFolderID != "" {
		query.Set("source_folder_id", "neq."+c.cfg.ArchiveFolderID)
	}
	query.Set("select", "id,status,display_name,updated_at")

	data, err := c.get(ctx, "find stale", jobsTable, query, "")
	if err != nil {
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", "find stale", "decode response", err)
	}
	return jobs, nil
}

// Progress writes an ephemeral progress note into error_message. It is a
// best-effort side channel: failures are logged at debug and never surface
// to callers, and no status transition happens.
func (c *Client) Progress(ctx context.Context, jobID, message string) {
	if c.cfg.URL == "" || c.cfg.ServiceKey == "" {
		return
	}
	noteCtx, cancel := context.WithTimeout(ctx, progressTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("id", "eq."+jobID)
	body := map[string]any{"error_message": "[Progress] " + message}
	if _, err := c.patch(noteCtx, "progress", jobsTable, query, body, "return=minimal"); err != nil {
		c.logger.Debug("progress note dropped", logging.Error(err), logging.String(logging.FieldJobID, jobID))
	}
}

// StatusCounts tallies all jobs by status for the lane status endpoint.
func (c *Client) StatusCounts(ctx context.Context) (map[Status]int, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("select", "status")
	data, err := c.get(ctx, "status counts", jobsTable, query, "")
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", "status counts", "decode response", err)
	}
	counts := make(map[Status]int)
	for _, row := range rows {
		counts[row.Status]++
	}
	return counts, nil
}

// GetLaneState fetches the persisted state for a lane, creating the record
// when it does not exist yet.
func (c *Client) GetLaneState(ctx context.Context, lane Lane) (LaneState, error) {
	empty := LaneState{Lane: lane}
	if err := c.checkConfigured(); err != nil {
		return empty, err
	}
	query := url.Values{}
	query.Set("lane", "eq."+string(lane))
	query.Set("limit", "1")
	data, err := c.get(ctx, "get lane state", lanesTable, query, "")
	if err != nil {
		return empty, err
	}
	var rows []LaneState
	if err := json.Unmarshal(data, &rows); err != nil {
		return empty, services.Wrap(services.ErrTransient, "ledger", "get lane state", "decode response", err)
	}
	if len(rows) > 0 {
		return rows[0], nil
	}

	initial := LaneState{Lane: lane, UpdatedAt: c.now().UTC()}
	if err := c.SetLaneState(ctx, initial); err != nil {
		return empty, err
	}
	return initial, nil
}

// SetLaneState upserts a lane record. The write is an unconditional
// overwrite; under concurrent invocations counters can drift, which is
// accepted because they are monitoring-only.
func (c *Client) SetLaneState(ctx context.Context, state LaneState) error {
	if err := c.checkConfigured(); err != nil {
		return err
	}
	state.UpdatedAt = c.now().UTC()
	if _, err := c.post(ctx, "set lane state", lanesTable, state, "resolution=merge-duplicates,return=minimal"); err != nil {
		return err
	}
	return nil
}

func (c *Client) fetchOne(ctx context.Context, op string, query url.Values) (*Job, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	data, err := c.get(ctx, op, jobsTable, query, "")
	if err != nil {
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", op, "decode response", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	job := jobs[0]
	return &job, nil
}

func (c *Client) count(ctx context.Context, op string, query url.Values) (int, error) {
	if err := c.checkConfigured(); err != nil {
		return 0, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, jobsTable, query, nil)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "ledger", op, "build request", err)
	}
	req.Header.Set("Prefer", "count=exact")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "ledger", op, "http error", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "ledger", op, "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return 0, httpError(op, resp.StatusCode, body)
	}

	if contentRange := resp.Header.Get("Content-Range"); contentRange != "" {
		if idx := strings.LastIndex(contentRange, "/"); idx >= 0 {
			total := contentRange[idx+1:]
			if total != "" && total != "*" {
				if parsed, err := strconv.Atoi(total); err == nil {
					return parsed, nil
				}
			}
		}
	}
	// Fall back to counting the returned rows.
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, services.Wrap(services.ErrTransient, "ledger", op, "decode response", err)
	}
	return len(rows), nil
}

func (c *Client) get(ctx context.Context, op, table string, query url.Values, prefer string) ([]byte, error) {
	return c.do(ctx, op, http.MethodGet, table, query, nil, prefer)
}

func (c *Client) patch(ctx context.Context, op, table string, query url.Values, body any, prefer string) ([]byte, error) {
	return c.do(ctx, op, http.MethodPatch, table, query, body, prefer)
}

func (c *Client) post(ctx context.Context, op, table string, body any, prefer string) ([]byte, error) {
	return c.do(ctx, op, http.MethodPost, table, nil, body, prefer)
}

func (c *Client) do(ctx context.Context, op, method, table string, query url.Values, body any, prefer string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "ledger", op, "encode body", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, table, query, reader)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", op, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", op, "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", op, "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, httpError(op, resp.StatusCode, payload)
	}
	return payload, nil
}

func (c *Client) newRequest(ctx context.Context, method, table string, query url.Values, body io.Reader) (*http.Request, error) {
	endpoint := c.cfg.URL + "/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.cfg.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+c.cfg.ServiceKey)
	return req, nil
}

func httpError(op string, status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if status == http.StatusNotFound {
		return services.Wrap(services.ErrNotFound, "ledger", op, fmt.Sprintf("http %d: %s", status, snippet), nil)
	}
	return services.Wrap(services.ErrTransient, "ledger", op, fmt.Sprintf("http %d: %s", status, snippet), nil)
}
