// Package scheduler drives the batch chain through an external delayed-task
// queue. Each completed job schedules the next process-next callback with a
// delay instead of looping in-process, so the worker stays stateless
// between jobs. Stopping a batch cancels every queued callback.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"clipforge/internal/logging"
	"clipforge/internal/services"
)

const defaultTimeout = 15 * time.Second

// Config identifies the task queue and the worker it calls back into.
type Config struct {
	// BaseURL is the task queue service endpoint.
	BaseURL string
	// Queue is the queue name tasks are enqueued on.
	Queue string
	// WorkerURL is the public base URL of this worker, the callback target.
	WorkerURL string
	// Secret authenticates the scheduled callback to the worker.
	Secret string
}

// Client schedules and cancels delayed callbacks.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	newName    func() string
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

// WithNameFunc overrides task name generation, for deterministic tests.
func WithNameFunc(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newName = fn
		}
	}
}

// NewClient constructs a scheduler client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.WorkerURL = strings.TrimRight(strings.TrimSpace(cfg.WorkerURL), "/")
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logging.NewComponentLogger(logger, "scheduler"),
		newName:    func() string { return "task-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Configured reports whether scheduling can work at all. Without a queue or
// worker URL the batch chain cannot continue past the current job.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.Queue != "" && c.cfg.WorkerURL != ""
}

type task struct {
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	Method       string            `json:"http_method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ScheduleTime time.Time         `json:"schedule_time"`
}

// ScheduleCallback enqueues a POST to the worker path (for example
// "/batch/process-next") after delay. Returns the generated task name.
func (c *Client) ScheduleCallback(ctx context.Context, path string, delay time.Duration) (string, error) {
	if !c.Configured() {
		return "", services.Wrap(services.ErrConfiguration, "scheduler", "schedule", "queue or worker url not configured", nil)
	}

	body, err := json.Marshal(map[string]any{
		"scheduled": true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "scheduler", "schedule", "encode payload", err)
	}
	entry := task{
		Name:         c.newName(),
		URL:          c.cfg.WorkerURL + path,
		Method:       http.MethodPost,
		ScheduleTime: time.Now().UTC().Add(delay),
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + c.cfg.Secret,
		},
		Body: body,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "scheduler", "schedule", "encode task", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tasksURL(), bytes.NewReader(encoded))
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "scheduler", "schedule", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "scheduler", "schedule", "http error", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", services.Wrap(services.ErrTransient, "scheduler", "schedule", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}

	c.logger.Info("callback scheduled",
		logging.String("task", entry.Name),
		logging.String("path", path),
		logging.Duration("delay", delay),
	)
	return entry.Name, nil
}

// CancelAll deletes every queued task. Returns the number cancelled;
// per-task delete failures are logged and skipped.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	if !c.Configured() {
		return 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tasksURL(), nil)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "scheduler", "cancel all", "build request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "scheduler", "cancel all", "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "scheduler", "cancel all", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return 0, services.Wrap(services.ErrTransient, "scheduler", "cancel all", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}

	var listing struct {
		Tasks []task `json:"tasks"`
	}
	if err := json.Unmarshal(payload, &listing); err != nil {
		return 0, services.Wrap(services.ErrTransient, "scheduler", "cancel all", "decode response", err)
	}

	cancelled := 0
	for _, entry := range listing.Tasks {
		if err := c.deleteTask(ctx, entry.Name); err != nil {
			c.logger.Warn("task cancel failed",
				logging.String("task", entry.Name),
				logging.Error(err),
			)
			continue
		}
		cancelled++
	}
	c.logger.Info("queued tasks cancelled", logging.Int("count", cancelled))
	return cancelled, nil
}

func (c *Client) deleteTask(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.tasksURL()+"/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) tasksURL() string {
	return c.cfg.BaseURL + "/queues/" + c.cfg.Queue + "/tasks"
}
