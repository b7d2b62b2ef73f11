package scheduler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clipforge/internal/logging"
)

func newTestScheduler(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:   server.URL,
		Queue:     "ingest",
		WorkerURL: "https://worker.example.com",
		Secret:    "hook-secret",
	}, logging.NewNop(),
		WithHTTPClient(server.Client()),
		WithNameFunc(func() string { return "task-fixed" }),
	)
}

func TestScheduleCallback(t *testing.T) {
	var gotPath string
	var gotTask struct {
		Name         string            `json:"name"`
		URL          string            `json:"url"`
		Method       string            `json:"http_method"`
		Headers      map[string]string `json:"headers"`
		Body         json.RawMessage   `json:"body"`
		ScheduleTime time.Time         `json:"schedule_time"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		payload, _ := io.ReadAll(r.Body)
		json.Unmarshal(payload, &gotTask)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	before := time.Now().UTC()
	name, err := newTestScheduler(t, server).ScheduleCallback(testContext(t), "/batch/process-next", 30*time.Second)
	if err != nil {
		t.Fatalf("ScheduleCallback: %v", err)
	}
	if name != "task-fixed" {
		t.Fatalf("name = %q", name)
	}
	if gotPath != "/queues/ingest/tasks" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotTask.URL != "https://worker.example.com/batch/process-next" {
		t.Fatalf("callback url = %q", gotTask.URL)
	}
	if gotTask.Method != http.MethodPost {
		t.Fatalf("method = %q", gotTask.Method)
	}
	if gotTask.Headers["Authorization"] != "Bearer hook-secret" {
		t.Fatalf("auth header = %q", gotTask.Headers["Authorization"])
	}
	var body struct {
		Scheduled bool `json:"scheduled"`
	}
	json.Unmarshal(gotTask.Body, &body)
	if !body.Scheduled {
		t.Fatalf("body = %s", gotTask.Body)
	}
	delay := gotTask.ScheduleTime.Sub(before)
	if delay < 29*time.Second || delay > 32*time.Second {
		t.Fatalf("schedule delay = %s, want about 30s", delay)
	}
}

func TestScheduleUnconfigured(t *testing.T) {
	c := NewClient(Config{}, logging.NewNop())
	if c.Configured() {
		t.Fatal("empty config must not report configured")
	}
	if _, err := c.ScheduleCallback(testContext(t), "/batch/process-next", time.Second); err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestCancelAll(t *testing.T) {
	var deleted []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `{"tasks":[{"name":"task-a"},{"name":"task-b"},{"name":"task-c"}]}`)
		case http.MethodDelete:
			name := r.URL.Path[len("/queues/ingest/tasks/"):]
			deleted = append(deleted, name)
			if name == "task-b" {
				// Already executed; the queue answers 404, which counts as cancelled.
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	cancelled, err := newTestScheduler(t, server).CancelAll(testContext(t))
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if cancelled != 3 {
		t.Fatalf("cancelled = %d, want 3", cancelled)
	}
	if len(deleted) != 3 {
		t.Fatalf("deleted = %v", deleted)
	}
}

func TestCancelAllUnconfiguredIsNoop(t *testing.T) {
	cancelled, err := NewClient(Config{}, logging.NewNop()).CancelAll(testContext(t))
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if cancelled != 0 {
		t.Fatalf("cancelled = %d, want 0", cancelled)
	}
}
