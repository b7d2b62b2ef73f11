// Package daemon assembles the worker: ledger, providers, pipeline, batch
// controller, and the HTTP API, under a single lifecycle with flock-based
// locking to prevent multiple instances.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"clipforge/internal/api"
	"clipforge/internal/batch"
	"clipforge/internal/config"
	"clipforge/internal/corpus"
	"clipforge/internal/ledger"
	"clipforge/internal/logging"
	"clipforge/internal/media"
	"clipforge/internal/metrics"
	"clipforge/internal/pipeline"
	"clipforge/internal/scheduler"
	"clipforge/internal/services/embedding"
	"clipforge/internal/services/transcribe"
	"clipforge/internal/services/videohost"
	"clipforge/internal/transfer"
	"clipforge/internal/watchdog"
)

// Daemon owns the worker's background services and HTTP listener.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	states     *batch.LaneStates
	controller *batch.Controller
	server     *http.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	errCh   chan error
}

// New wires a daemon from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}

	m := metrics.New()

	store := ledger.NewClient(ledger.Config{
		URL:             cfg.Ledger.URL,
		ServiceKey:      cfg.Ledger.ServiceKey,
		ArchiveFolderID: cfg.Ledger.ArchiveFolderID,
		Timeout:         time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
	}, logger)

	corpusClient := corpus.NewClient(corpus.Config{
		URL:        cfg.Ledger.URL,
		ServiceKey: cfg.Ledger.ServiceKey,
	}, logger)

	downloader := transfer.NewDownloader(transfer.Options{
		MaxRetries: cfg.Source.MaxRetries,
		MaxElapsed: time.Duration(cfg.Source.MaxTimeSeconds) * time.Second,
	}, logger)

	processor := media.NewProcessor(media.ExecRunner{}, logger)

	stt := transcribe.NewClient(transcribe.Config{
		APIKey:   cfg.Transcribe.APIKey,
		BaseURL:  cfg.Transcribe.BaseURL,
		Model:    cfg.Transcribe.Model,
		Language: cfg.Transcribe.Language,
	}, logger)

	embedder := embedding.NewClient(embedding.Config{
		APIKey:  cfg.Embedding.APIKey,
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
	}, logger)

	host := videohost.NewClient(videohost.Config{
		TokenID:       cfg.VideoHost.TokenID,
		TokenSecret:   cfg.VideoHost.TokenSecret,
		BaseURL:       cfg.VideoHost.BaseURL,
		ReadyCeiling:  time.Duration(cfg.VideoHost.ReadyCeilingS) * time.Second,
		ReadyInterval: time.Duration(cfg.VideoHost.ReadyIntervalS) * time.Second,
	}, logger)

	sched := scheduler.NewClient(scheduler.Config{
		BaseURL:   cfg.Scheduler.BaseURL,
		Queue:     cfg.Scheduler.Queue,
		WorkerURL: cfg.Scheduler.WorkerURL,
		Secret:    cfg.WorkerSecret,
	}, logger)

	engine := pipeline.New(pipeline.Config{
		WorkDir:             cfg.Paths.WorkDir,
		SourceBaseURL:       cfg.Source.DownloadBaseURL,
		SourceToken:         cfg.Source.AccessToken,
		MinDuration:         time.Duration(cfg.Batch.MinDurationSeconds) * time.Second,
		Backgrounds:         cfg.Batch.Backgrounds,
		BackgroundBatchSize: cfg.Batch.BackgroundBatchSize,
	}, store, downloader, processor, stt, embedder, corpusClient, host, m, logger)

	staleThreshold := time.Duration(cfg.Batch.StaleThresholdMinutes) * time.Minute
	wd := watchdog.New(store, staleThreshold, logger)

	states, err := batch.OpenLaneStates(filepath.Join(cfg.Paths.WorkDir, "lane_state.db"), store, logger)
	if err != nil {
		return nil, err
	}

	controller := batch.NewController(batch.Config{
		Interval:        time.Duration(cfg.Batch.IntervalSeconds) * time.Second,
		StartDelay:      time.Duration(cfg.Batch.StartDelaySeconds) * time.Second,
		ArchiveInterval: time.Duration(cfg.Batch.ArchiveIntervalSeconds) * time.Second,
		StaleThreshold:  staleThreshold,
	}, store, states, sched, engine, wd, m, logger)

	apiServer := api.NewServer(controller, cfg.WorkerSecret, m, logger,
		api.WithDiagnostics(diagnostics(cfg)))

	lockPath := cfg.Paths.LockFile
	if lockPath == "" {
		lockPath = filepath.Join(cfg.Paths.LogDir, "clipforged.lock")
	}

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		states:     states,
		controller: controller,
		server: &http.Server{
			Addr:              cfg.Paths.APIBind,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		errCh:    make(chan error, 1),
	}, nil
}

// diagnostics reports external tool availability and which providers have
// credentials, for the health endpoint.
func diagnostics(cfg *config.Config) func() map[string]any {
	return func() map[string]any {
		tools := map[string]bool{}
		for _, tool := range []string{"ffmpeg", "ffprobe"} {
			_, err := exec.LookPath(tool)
			tools[tool] = err == nil
		}
		return map[string]any{
			"tools": tools,
			"providers": map[string]bool{
				"ledger":     cfg.Ledger.URL != "" && cfg.Ledger.ServiceKey != "",
				"transcribe": cfg.Transcribe.APIKey != "",
				"embedding":  cfg.Embedding.APIKey != "",
				"video_host": cfg.VideoHost.TokenID != "" && cfg.VideoHost.TokenSecret != "",
				"scheduler":  cfg.Scheduler.BaseURL != "",
			},
		}
	}
}

// Start acquires the instance lock and begins serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another clipforge daemon instance is already running")
	}

	go func() {
		err := d.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.errCh <- err
		}
		close(d.errCh)
	}()

	d.running.Store(true)
	d.logger.Info("clipforge daemon started",
		logging.String("bind", d.server.Addr),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Err receives a fatal listener error, if any.
func (d *Daemon) Err() <-chan error {
	return d.errCh
}

// Stop shuts down the API server and releases the instance lock.
func (d *Daemon) Stop(ctx context.Context) {
	if !d.running.Load() {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("api server shutdown failed", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("clipforge daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop(context.Background())
	if d.states != nil {
		return d.states.Close()
	}
	return nil
}
