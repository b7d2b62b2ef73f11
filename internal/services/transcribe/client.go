// Package transcribe calls the speech-to-text provider. Audio is uploaded
// as a multipart form and the provider returns plain transcript text.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"clipforge/internal/logging"
	"clipforge/internal/services"
)

const defaultTimeout = 5 * time.Minute

// Config holds provider settings.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// Client transcribes audio files.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
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

// NewClient constructs a transcription client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logging.NewComponentLogger(logger, "transcribe"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type transcriptResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads the audio file and returns the transcript text. An
// empty transcript is a valid result; callers decide whether to tolerate it.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", services.Wrap(services.ErrConfiguration, "transcribe", "transcribe", "api key required", nil)
	}

	file, err := os.Open(audioPath)
	if err != nil {
		return "", services.Wrap(services.ErrStage, "transcribe", "transcribe", "open audio file", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio.mp3")
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe", "build form", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", services.Wrap(services.ErrStage, "transcribe", "transcribe", "read audio file", err)
	}
	if err := writer.WriteField("model_id", c.cfg.Model); err != nil {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe", "build form", err)
	}
	if err := writer.WriteField("language_code", c.cfg.Language); err != nil {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe", "build form", err)
	}
	if err := writer.Close(); err != nil {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe", "build form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/speech-to-text", &body)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe", "build request", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe", "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe", "read body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe",
			fmt.Sprintf("http %d: %s", resp.StatusCode, services.Truncate(string(payload), 200)), nil)
	}

	var decoded transcriptResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", services.Wrap(services.ErrTransient, "transcribe", "transcribe", "decode response", err)
	}
	c.logger.Info("transcription complete", logging.Int("transcript_chars", len(decoded.Text)))
	return decoded.Text, nil
}
