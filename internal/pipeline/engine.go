// Package pipeline runs a claimed job through its processing chain. The
// full lane downloads the source, composites the greenscreen, extracts and
// transcribes audio, embeds the transcript, stores it in the corpus,
// matches a technique, and publishes to the video host. The archive lane
// stops after transcription.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"clipforge/internal/ledger"
	"clipforge/internal/logging"
	"clipforge/internal/matcher"
	"clipforge/internal/metrics"
	"clipforge/internal/services"
	"clipforge/internal/services/videohost"
	"clipforge/internal/textutil"
)

// Outcome classifies a finished pipeline run for lane bookkeeping.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// Ledger is the job-state surface the engine needs.
type Ledger interface {
	UpdateStatus(ctx context.Context, jobID string, status ledger.Status, errorText string, extra map[string]any) error
	Progress(ctx context.Context, jobID, message string)
	GetLaneState(ctx context.Context, lane ledger.Lane) (ledger.LaneState, error)
}

// Downloader fetches a remote file to a local path.
type Downloader interface {
	Fetch(ctx context.Context, url, destPath string, headers map[string]string, progress func(string)) error
}

// Media wraps the external media tools.
type Media interface {
	Duration(ctx context.Context, path string) (float64, error)
	ColorInfo(ctx context.Context, path string) (string, error)
	Chromakey(ctx context.Context, input, background, output string) error
	ExtractAudio(ctx context.Context, input, output string) error
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Corpus stores transcripts and serves the technique catalog.
type Corpus interface {
	UpsertTranscript(ctx context.Context, jobID, transcript string, embedding []float64) (string, error)
	References(ctx context.Context) ([]matcher.Reference, error)
}

// Host publishes finished videos. uploaded fires once the bytes are on the
// host, before the processing wait.
type Host interface {
	Publish(ctx context.Context, videoPath string, uploaded func()) (videohost.PublishResult, error)
}

// Config holds pipeline-level settings.
type Config struct {
	// WorkDir is the scratch directory for per-job files.
	WorkDir string
	// SourceBaseURL is the file store the source media is fetched from.
	SourceBaseURL string
	// SourceToken authenticates source downloads.
	SourceToken string
	// MinDuration is the floor below which a video is skipped, not failed.
	MinDuration time.Duration
	// Backgrounds are the studio background images, rotated per batch.
	Backgrounds []string
	// BackgroundBatchSize is how many completed jobs share one background.
	BackgroundBatchSize int
}

// Engine executes pipeline runs.
type Engine struct {
	cfg     Config
	store   Ledger
	fetch   Downloader
	media   Media
	stt     Transcriber
	embed   Embedder
	corpus  Corpus
	host    Host
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New wires an engine from its collaborators.
func New(cfg Config, store Ledger, fetch Downloader, media Media, stt Transcriber, embed Embedder, corpus Corpus, host Host, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if cfg.BackgroundBatchSize <= 0 {
		cfg.BackgroundBatchSize = 10
	}
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		fetch:   fetch,
		media:   media,
		stt:     stt,
		embed:   embed,
		corpus:  corpus,
		host:    host,
		metrics: m,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Run processes a claimed full-lane job end to end. The returned Outcome is
// valid even when err is non-nil: a failed run has already been recorded on
// the ledger with the appropriate status.
func (e *Engine) Run(ctx context.Context, job *ledger.Job) (Outcome, error) {
	log := e.logger.With(logging.String(logging.FieldJobID, job.ID), logging.String(logging.FieldLane, string(ledger.LaneFull)))
	log.Info("pipeline run started", logging.String("source_file", job.SourceFileID))

	workDir, err := e.jobWorkDir(job.ID)
	if err != nil {
		return e.fail(ctx, job, ledger.StatusFailed, err)
	}
	defer os.RemoveAll(workDir)

	inputVideo := filepath.Join(workDir, "input.mp4")
	outputVideo := filepath.Join(workDir, "output.mp4")
	audioFile := filepath.Join(workDir, "audio.mp3")

	// Download.
	if err := e.download(ctx, job, ledger.StatusDownloading, inputVideo); err != nil {
		return e.fail(ctx, job, ledger.StatusFailed, err)
	}

	// Duration floor: too-short videos are skipped, not failed.
	seconds, err := e.media.Duration(ctx, inputVideo)
	if err != nil {
		return e.fail(ctx, job, ledger.StatusFailed, err)
	}
	if seconds < e.cfg.MinDuration.Seconds() {
		log.Info("video below minimum duration, skipping",
			logging.Float64("duration_seconds", seconds),
			logging.Float64("minimum_seconds", e.cfg.MinDuration.Seconds()),
		)
		note := fmt.Sprintf("Video duration %.1fs below %.0fs minimum", seconds, e.cfg.MinDuration.Seconds())
		if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusSkippedTooShort, note, map[string]any{
			"duration_seconds": int(seconds),
		}); err != nil {
			return OutcomeSkipped, err
		}
		e.metrics.JobsProcessed.WithLabelValues(string(ledger.LaneFull), "skipped").Inc()
		return OutcomeSkipped, nil
	}

	// Chromakey compositing. A keying failure gets its own status so it can
	// be retried after the source material is fixed.
	if err := e.chromakey(ctx, job, inputVideo, outputVideo); err != nil {
		return e.fail(ctx, job, ledger.StatusChromakeyFailed, err)
	}

	// Audio extraction.
	if err := e.stage(ctx, job, ledger.StatusAudio, "extract audio", func() error {
		return e.media.ExtractAudio(ctx, inputVideo, audioFile)
	}); err != nil {
		return e.fail(ctx, job, ledger.StatusFailed, err)
	}

	// Transcription. The full lane tolerates an empty or failed transcript;
	// the video still gets published without corpus enrichment.
	transcript := e.transcribeTolerant(ctx, job, audioFile, log)

	var documentID string
	var match matcher.Match
	var matched bool
	if transcript != "" {
		documentID, match, matched = e.enrich(ctx, job, transcript, log)
	}

	// Publish. cloud_uploading covers the byte transfer; host_processing
	// starts once the bytes are up and the host is transcoding.
	if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusUploading, "", nil); err != nil {
		return e.fail(ctx, job, ledger.StatusFailed, err)
	}
	uploadStart := time.Now()
	published, err := e.host.Publish(ctx, outputVideo, func() {
		if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusHostProcessing, "", nil); err != nil {
			log.Warn("status update failed after upload", logging.Error(err))
		}
	})
	if err != nil {
		return e.fail(ctx, job, ledger.StatusFailed, err)
	}
	e.metrics.StageSeconds.WithLabelValues("publish").Observe(time.Since(uploadStart).Seconds())

	// Completion: record everything, clear the error from prior attempts.
	extra := map[string]any{
		"host_asset_id":    published.AssetID,
		"host_playback_id": published.PlaybackID,
		"transcript":       transcript,
		"error_message":    nil,
	}
	if published.DurationSeconds > 0 {
		extra["duration_seconds"] = int(published.DurationSeconds)
	}
	if documentID != "" {
		extra["corpus_document_id"] = documentID
	}
	if matched {
		extra["ai_technique_id"] = match.TechniqueID
		extra["ai_confidence"] = match.Confidence
	}
	if job.DisplayName == "" {
		extra["display_name"] = textutil.DisplayName(job.SourceFileID)
	}
	if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusCompleted, "", extra); err != nil {
		return OutcomeFailed, err
	}

	e.metrics.JobsProcessed.WithLabelValues(string(ledger.LaneFull), "completed").Inc()
	log.Info("pipeline run completed",
		logging.String("playback_id", published.PlaybackID),
		logging.Int("transcript_chars", len(transcript)),
		logging.Bool("technique_matched", matched),
	)
	return OutcomeCompleted, nil
}

// RunArchive processes a claimed archive-lane job: download, extract audio,
// transcribe, done. Unlike the full lane, a missing transcript is a failure
// because the transcript is the entire point of this lane.
func (e *Engine) RunArchive(ctx context.Context, job *ledger.Job) (Outcome, error) {
	log := e.logger.With(logging.String(logging.FieldJobID, job.ID), logging.String(logging.FieldLane, string(ledger.LaneArchive)))
	log.Info("archive run started", logging.String("source_file", job.SourceFileID))

	workDir, err := e.jobWorkDir(job.ID)
	if err != nil {
		return e.failArchive(ctx, job, err)
	}
	defer os.RemoveAll(workDir)

	inputVideo := filepath.Join(workDir, "input.mp4")
	audioFile := filepath.Join(workDir, "audio.mp3")

	if err := e.download(ctx, job, ledger.StatusArchiveDownloading, inputVideo); err != nil {
		return e.failArchive(ctx, job, err)
	}

	if err := e.stage(ctx, job, ledger.StatusArchiveAudio, "extract audio", func() error {
		return e.media.ExtractAudio(ctx, inputVideo, audioFile)
	}); err != nil {
		return e.failArchive(ctx, job, err)
	}

	if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusArchiveTranscribing, "", nil); err != nil {
		return e.failArchive(ctx, job, err)
	}
	transcript, err := e.stt.Transcribe(ctx, audioFile)
	if err != nil {
		return e.failArchive(ctx, job, err)
	}
	if transcript == "" {
		return e.failArchive(ctx, job, services.Wrap(services.ErrStage, "pipeline", "archive transcribe", "empty transcript", nil))
	}

	if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusArchiveTranscribed, "", map[string]any{
		"transcript":    transcript,
		"error_message": nil,
	}); err != nil {
		return OutcomeFailed, err
	}
	e.metrics.JobsProcessed.WithLabelValues(string(ledger.LaneArchive), "completed").Inc()
	log.Info("archive run completed", logging.Int("transcript_chars", len(transcript)))
	return OutcomeCompleted, nil
}

func (e *Engine) download(ctx context.Context, job *ledger.Job, status ledger.Status, destPath string) error {
	if err := e.store.UpdateStatus(ctx, job.ID, status, "", nil); err != nil {
		return err
	}
	start := time.Now()
	url := fmt.Sprintf("%s/files/%s?alt=media", e.cfg.SourceBaseURL, job.SourceFileID)
	headers := map[string]string{"Authorization": "Bearer " + e.cfg.SourceToken}
	err := e.fetch.Fetch(ctx, url, destPath, headers, func(message string) {
		e.store.Progress(ctx, job.ID, message)
	})
	if err != nil {
		return err
	}
	e.metrics.StageSeconds.WithLabelValues("download").Observe(time.Since(start).Seconds())
	if info, statErr := os.Stat(destPath); statErr == nil {
		e.store.Progress(ctx, job.ID, fmt.Sprintf("Download complete: %d MB", info.Size()/1024/1024))
	}
	return nil
}

func (e *Engine) chromakey(ctx context.Context, job *ledger.Job, inputVideo, outputVideo string) error {
	if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusChromakey, "", nil); err != nil {
		return err
	}
	if info, err := e.media.ColorInfo(ctx, inputVideo); err == nil {
		e.logger.Debug("source color info",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("color_info", info),
		)
	}

	background, index := e.pickBackground(ctx)
	if background == "" {
		return services.Wrap(services.ErrConfiguration, "pipeline", "chromakey", "no backgrounds configured", nil)
	}
	e.logger.Info("background selected",
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("background_index", index),
		logging.String("background", filepath.Base(background)),
	)

	start := time.Now()
	if err := e.media.Chromakey(ctx, inputVideo, background, outputVideo); err != nil {
		return err
	}
	e.metrics.StageSeconds.WithLabelValues("chromakey").Observe(time.Since(start).Seconds())
	return nil
}

// pickBackground rotates through the configured backgrounds, switching
// every BackgroundBatchSize completed jobs.
func (e *Engine) pickBackground(ctx context.Context) (string, int) {
	if len(e.cfg.Backgrounds) == 0 {
		return "", 0
	}
	processed := 0
	if state, err := e.store.GetLaneState(ctx, ledger.LaneFull); err == nil {
		processed = state.ProcessedJobs
	}
	index := (processed / e.cfg.BackgroundBatchSize) % len(e.cfg.Backgrounds)
	return e.cfg.Backgrounds[index], index
}

func (e *Engine) transcribeTolerant(ctx context.Context, job *ledger.Job, audioFile string, log *slog.Logger) string {
	if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusTranscribing, "", nil); err != nil {
		log.Warn("status update failed before transcription", logging.Error(err))
	}
	transcript, err := e.stt.Transcribe(ctx, audioFile)
	if err != nil {
		log.Warn("transcription failed, continuing without transcript", logging.Error(err))
		return ""
	}
	return transcript
}

// enrich embeds the transcript, stores it in the corpus, and matches a
// technique. All of it is best-effort for the full lane.
func (e *Engine) enrich(ctx context.Context, job *ledger.Job, transcript string, log *slog.Logger) (documentID string, match matcher.Match, matched bool) {
	if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusEmbedding, "", nil); err != nil {
		log.Warn("status update failed before embedding", logging.Error(err))
	}
	vector, err := e.embed.Embed(ctx, transcript)
	if err != nil {
		log.Warn("embedding failed, skipping corpus and matching", logging.Error(err))
		return "", matcher.Match{}, false
	}

	documentID, err = e.corpus.UpsertTranscript(ctx, job.ID, transcript, vector)
	if err != nil {
		log.Warn("corpus upsert failed", logging.Error(err))
	}

	catalog, err := e.corpus.References(ctx)
	if err != nil {
		log.Warn("technique catalog fetch failed", logging.Error(err))
		return documentID, matcher.Match{}, false
	}
	if len(catalog) == 0 {
		log.Warn("technique catalog is empty")
		return documentID, matcher.Match{}, false
	}
	match, matched = matcher.Best(vector, catalog)
	if matched {
		log.Info("technique matched",
			logging.String("technique_id", match.TechniqueID),
			logging.Float64("confidence", match.Confidence),
		)
	} else {
		log.Info("no technique match above threshold")
	}
	return documentID, match, matched
}

// stage updates the status and runs fn, timing it under name.
func (e *Engine) stage(ctx context.Context, job *ledger.Job, status ledger.Status, name string, fn func() error) error {
	if err := e.store.UpdateStatus(ctx, job.ID, status, "", nil); err != nil {
		return err
	}
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	e.metrics.StageSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return nil
}

// fail records the failure status on the ledger and returns the original
// error. Failed jobs stay claimable so the next batch pass retries them.
func (e *Engine) fail(ctx context.Context, job *ledger.Job, status ledger.Status, cause error) (Outcome, error) {
	if errors.Is(cause, context.Canceled) {
		return OutcomeFailed, cause
	}
	e.logger.Error("pipeline run failed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("failure_status", string(status)),
		logging.Error(cause),
	)
	if err := e.store.UpdateStatus(ctx, job.ID, status, cause.Error(), nil); err != nil {
		e.logger.Error("failure status update failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err),
		)
	}
	e.metrics.JobsProcessed.WithLabelValues(string(ledger.LaneFull), "failed").Inc()
	return OutcomeFailed, cause
}

func (e *Engine) failArchive(ctx context.Context, job *ledger.Job, cause error) (Outcome, error) {
	if errors.Is(cause, context.Canceled) {
		return OutcomeFailed, cause
	}
	e.logger.Error("archive run failed",
		logging.String(logging.FieldJobID, job.ID),
		logging.Error(cause),
	)
	if err := e.store.UpdateStatus(ctx, job.ID, ledger.StatusArchiveFailed, cause.Error(), nil); err != nil {
		e.logger.Error("failure status update failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err),
		)
	}
	e.metrics.JobsProcessed.WithLabelValues(string(ledger.LaneArchive), "failed").Inc()
	return OutcomeFailed, cause
}

func (e *Engine) jobWorkDir(jobID string) (string, error) {
	dir := filepath.Join(e.cfg.WorkDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", services.Wrap(services.ErrStage, "pipeline", "workdir", "create job work directory", err)
	}
	return dir, nil
}
