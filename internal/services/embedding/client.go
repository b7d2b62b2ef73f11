// Package embedding calls the embedding provider to turn transcript text
// into a dense vector for corpus storage and technique matching.
package embedding

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

	"clipforge/internal/logging"
	"clipforge/internal/services"
)

const (
	defaultTimeout = 60 * time.Second

	// maxInputChars bounds the text sent to the provider; transcripts
	// longer than this are truncated, not rejected.
	maxInputChars = 8000
)

// Config holds provider settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client generates embeddings.
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

// NewClient constructs an embedding client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logging.NewComponentLogger(logger, "embedding"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text. Empty text is a caller bug.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.cfg.APIKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "embedding", "embed", "api key required", nil)
	}
	if text == "" {
		return nil, services.Wrap(services.ErrStage, "embedding", "embed", "empty input text", nil)
	}
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}

	encoded, err := json.Marshal(embeddingRequest{Input: text, Model: c.cfg.Model})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "embedding", "embed", "encode body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(encoded))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "embedding", "embed", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "embedding", "embed", "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "embedding", "embed", "read body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, services.Wrap(services.ErrTransient, "embedding", "embed",
			fmt.Sprintf("http %d: %s", resp.StatusCode, services.Truncate(string(payload), 200)), nil)
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, services.Wrap(services.ErrTransient, "embedding", "embed", "decode response", err)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, services.Wrap(services.ErrTransient, "embedding", "embed", "empty embedding in response", nil)
	}
	c.logger.Debug("embedding generated", logging.Int("dimensions", len(decoded.Data[0].Embedding)))
	return decoded.Data[0].Embedding, nil
}
