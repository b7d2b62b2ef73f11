// Package transfer implements resumable HTTP downloads for large source
// media. Interrupted transfers resume from the bytes already on disk using
// Range requests, with doubling backoff between attempts and a hard
// wall-clock ceiling for the whole transfer.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"clipforge/internal/logging"
	"clipforge/internal/services"
)

const (
	initialBackoff = 10 * time.Second
	maxBackoff     = 60 * time.Second

	// progressEvery throttles progress callbacks during the byte copy.
	progressEvery = 64 << 20
)

// Progress receives human-readable transfer progress notes. Implementations
// must tolerate being called from the download goroutine.
type Progress = func(message string)

// Options bound a download.
type Options struct {
	// MaxRetries is the number of attempts before giving up.
	MaxRetries int
	// MaxElapsed is the wall-clock ceiling across all attempts.
	MaxElapsed time.Duration
	// InitialBackoff overrides the first retry delay. Zero keeps the default.
	InitialBackoff time.Duration
}

// Downloader fetches remote files to local paths with resume support.
type Downloader struct {
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options
}

// NewDownloader constructs a downloader. The HTTP client carries no timeout
// of its own; the per-transfer ceiling governs instead.
func NewDownloader(opts Options, logger *slog.Logger) *Downloader {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Minute
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = initialBackoff
	}
	return &Downloader{
		httpClient: &http.Client{},
		logger:     logging.NewComponentLogger(logger, "transfer"),
		opts:       opts,
	}
}

// WithHTTPClient overrides the transport, primarily for tests.
func (d *Downloader) WithHTTPClient(client *http.Client) *Downloader {
	if client != nil {
		d.httpClient = client
	}
	return d
}

// Fetch downloads url to destPath. A partial file at destPath is resumed
// with a Range request; a server that ignores the Range and answers 200
// restarts the file from scratch. Extra headers are sent on every request.
func (d *Downloader) Fetch(ctx context.Context, url, destPath string, headers map[string]string, progress Progress) error {
	deadline := time.Now().Add(d.opts.MaxElapsed)
	backoff := d.opts.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		if time.Now().After(deadline) {
			return services.Wrap(services.ErrTimeout, "transfer", "fetch",
				fmt.Sprintf("transfer ceiling %s exceeded after %d attempts", d.opts.MaxElapsed, attempt-1), lastErr)
		}

		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		err := d.attempt(attemptCtx, url, destPath, headers, progress)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		d.logger.Warn("download attempt failed",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", d.opts.MaxRetries),
			logging.Duration("backoff", backoff),
			logging.Error(err),
		)
		if progress != nil {
			progress(fmt.Sprintf("download attempt %d/%d failed, retrying in %s", attempt, d.opts.MaxRetries, backoff))
		}

		if attempt == d.opts.MaxRetries {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return services.Wrap(services.ErrTransient, "transfer", "fetch",
		fmt.Sprintf("download failed after %d attempts", d.opts.MaxRetries), lastErr)
}

func (d *Downloader) attempt(ctx context.Context, url, destPath string, headers map[string]string, progress Progress) error {
	offset := existingSize(destPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return services.Wrap(services.ErrTransient, "transfer", "fetch", "build request", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "transfer", "fetch", "http error", err)
	}
	defer resp.Body.Close()

	var file *os.File
	var expectedTotal int64
	switch resp.StatusCode {
	case http.StatusPartialContent:
		file, err = os.OpenFile(destPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return services.Wrap(services.ErrStage, "transfer", "fetch", "open partial file", err)
		}
		expectedTotal = totalFromContentRange(resp.Header.Get("Content-Range"))
		if offset > 0 {
			d.logger.Info("resuming download",
				logging.Int64("offset_bytes", offset),
				logging.String("path", destPath),
			)
			if progress != nil {
				progress(fmt.Sprintf("resuming download at byte %d", offset))
			}
		}
	case http.StatusOK:
		// Server ignored the Range; restart from zero.
		offset = 0
		file, err = os.OpenFile(destPath, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
		if err != nil {
			return services.Wrap(services.ErrStage, "transfer", "fetch", "open file", err)
		}
		if resp.ContentLength > 0 {
			expectedTotal = resp.ContentLength
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// Local partial is at or beyond the remote size; treat as complete.
		return nil
	default:
		return services.Wrap(services.ErrTransient, "transfer", "fetch",
			fmt.Sprintf("http %d from source", resp.StatusCode), nil)
	}
	defer file.Close()

	written, err := d.copyWithProgress(ctx, file, resp.Body, offset, expectedTotal, progress)
	if err != nil {
		return services.Wrap(services.ErrTransient, "transfer", "fetch", "stream interrupted", err)
	}
	if err := file.Sync(); err != nil {
		return services.Wrap(services.ErrStage, "transfer", "fetch", "sync file", err)
	}

	final := offset + written
	if expectedTotal > 0 && final != expectedTotal {
		return services.Wrap(services.ErrTransient, "transfer", "fetch",
			fmt.Sprintf("size mismatch: have %d bytes, want %d", final, expectedTotal), nil)
	}
	d.logger.Info("download complete",
		logging.Int64("bytes", final),
		logging.String("path", destPath),
	)
	return nil
}

func (d *Downloader) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, offset, total int64, progress Progress) (int64, error) {
	buf := make([]byte, 1<<20)
	var written int64
	start := time.Now()
	nextReport := int64(progressEvery)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if progress != nil && written >= nextReport {
				nextReport += progressEvery
				rate := float64(0)
				if elapsed := time.Since(start).Seconds(); elapsed > 0 {
					rate = float64(written) / elapsed
				}
				progress(describeProgress(offset+written, total, rate))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, readErr
		}
	}
}

// describeProgress renders a progress note. rate is bytes per second for
// this attempt; zero means unknown.
func describeProgress(have, total int64, rate float64) string {
	note := fmt.Sprintf("downloaded %d bytes", have)
	if total > 0 {
		note = fmt.Sprintf("downloaded %d of %d bytes (%.0f%%)", have, total, float64(have)/float64(total)*100)
	}
	if rate <= 0 {
		return note
	}
	note += fmt.Sprintf(" at %.1f MB/s", rate/(1<<20))
	if total > have {
		eta := time.Duration(float64(total-have)/rate*float64(time.Second)).Round(time.Second)
		note += fmt.Sprintf(", ETA %s", eta)
	}
	return note
}

func existingSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// totalFromContentRange parses the total size out of a Content-Range header
// like "bytes 100-999/1000". Returns 0 when unknown.
func totalFromContentRange(header string) int64 {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0
	}
	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return total
}
