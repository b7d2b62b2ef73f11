// Package videohost publishes finished videos to the hosting provider:
// create a direct upload slot, stream the file into it, then poll until the
// provider has produced both an asset and a playback id.
package videohost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"clipforge/internal/logging"
	"clipforge/internal/poll"
	"clipforge/internal/services"
)

const defaultTimeout = 60 * time.Second

// Config holds provider credentials and readiness bounds.
type Config struct {
	TokenID     string
	TokenSecret string
	BaseURL     string
	// ReadyCeiling bounds the wait for asset and playback readiness.
	ReadyCeiling time.Duration
	// ReadyInterval is the poll cadence during that wait.
	ReadyInterval time.Duration
}

// PublishResult is the provider state for a finished upload.
type PublishResult struct {
	AssetID         string
	PlaybackID      string
	DurationSeconds float64
}

// Client talks to the video host API.
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

// NewClient constructs a video host client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.ReadyCeiling <= 0 {
		cfg.ReadyCeiling = 10 * time.Minute
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 5 * time.Second
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logging.NewComponentLogger(logger, "videohost"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type uploadEnvelope struct {
	Data struct {
		ID      string `json:"id"`
		URL     string `json:"url"`
		AssetID string `json:"asset_id"`
	} `json:"data"`
}

type assetEnvelope struct {
	Data struct {
		ID          string  `json:"id"`
		Duration    float64 `json:"duration"`
		PlaybackIDs []struct {
			ID string `json:"id"`
		} `json:"playback_ids"`
	} `json:"data"`
}

// Publish uploads videoPath and waits for the host to finish processing.
// uploaded, when non-nil, is called once the byte transfer has completed,
// before the readiness wait begins.
func (c *Client) Publish(ctx context.Context, videoPath string, uploaded func()) (PublishResult, error) {
	if c.cfg.TokenID == "" || c.cfg.TokenSecret == "" {
		return PublishResult{}, services.Wrap(services.ErrConfiguration, "videohost", "publish", "token id and secret required", nil)
	}

	uploadID, uploadURL, err := c.createUpload(ctx)
	if err != nil {
		return PublishResult{}, err
	}
	c.logger.Info("upload slot created", logging.String("upload_id", uploadID))

	if err := c.putFile(ctx, uploadURL, videoPath); err != nil {
		return PublishResult{}, err
	}
	if uploaded != nil {
		uploaded()
	}

	return c.awaitReady(ctx, uploadID)
}

func (c *Client) createUpload(ctx context.Context) (id, url string, err error) {
	body := map[string]any{
		"new_asset_settings": map[string]any{
			"playback_policy":     []string{"public"},
			"encoding_tier":       "smart",
			"max_resolution_tier": "1080p",
		},
		"cors_origin": "*",
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", "", services.Wrap(services.ErrTransient, "videohost", "create upload", "encode body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/video/v1/uploads", bytes.NewReader(encoded))
	if err != nil {
		return "", "", services.Wrap(services.ErrTransient, "videohost", "create upload", "build request", err)
	}
	req.SetBasicAuth(c.cfg.TokenID, c.cfg.TokenSecret)
	req.Header.Set("Content-Type", "application/json")

	var envelope uploadEnvelope
	if err := c.doJSON(req, "create upload", &envelope); err != nil {
		return "", "", err
	}
	if envelope.Data.ID == "" || envelope.Data.URL == "" {
		return "", "", services.Wrap(services.ErrTransient, "videohost", "create upload", "incomplete upload slot in response", nil)
	}
	return envelope.Data.ID, envelope.Data.URL, nil
}

func (c *Client) putFile(ctx context.Context, uploadURL, videoPath string) error {
	file, err := os.Open(videoPath)
	if err != nil {
		return services.Wrap(services.ErrStage, "videohost", "upload", "open video file", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return services.Wrap(services.ErrStage, "videohost", "upload", "stat video file", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, file)
	if err != nil {
		return services.Wrap(services.ErrTransient, "videohost", "upload", "build request", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "video/mp4")

	// The upload can take minutes; bypass the client timeout.
	transport := c.httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "videohost", "upload", "http error", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return services.Wrap(services.ErrTransient, "videohost", "upload", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	c.logger.Info("video bytes uploaded", logging.Int64("bytes", info.Size()))
	return nil
}

// awaitReady polls until the upload has both an asset id and a playback id.
// An asset without a playback id is not done yet.
func (c *Client) awaitReady(ctx context.Context, uploadID string) (PublishResult, error) {
	var result PublishResult
	err := poll.Until(ctx, poll.Config{Interval: c.cfg.ReadyInterval, Ceiling: c.cfg.ReadyCeiling}, "videohost", func(ctx context.Context) (bool, error) {
		assetID, err := c.uploadAssetID(ctx, uploadID)
		if err != nil {
			return false, err
		}
		if assetID == "" {
			return false, nil
		}
		asset, err := c.getAsset(ctx, assetID)
		if err != nil {
			return false, err
		}
		result.AssetID = asset.Data.ID
		result.DurationSeconds = asset.Data.Duration
		if len(asset.Data.PlaybackIDs) == 0 {
			c.logger.Debug("asset exists, waiting for playback id", logging.String("asset_id", assetID))
			return false, nil
		}
		result.PlaybackID = asset.Data.PlaybackIDs[0].ID
		return true, nil
	})
	if err != nil {
		return PublishResult{}, err
	}
	c.logger.Info("video host ready",
		logging.String("asset_id", result.AssetID),
		logging.String("playback_id", result.PlaybackID),
	)
	return result, nil
}

func (c *Client) uploadAssetID(ctx context.Context, uploadID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/video/v1/uploads/"+uploadID, nil)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "videohost", "get upload", "build request", err)
	}
	req.SetBasicAuth(c.cfg.TokenID, c.cfg.TokenSecret)
	var envelope uploadEnvelope
	if err := c.doJSON(req, "get upload", &envelope); err != nil {
		return "", err
	}
	return envelope.Data.AssetID, nil
}

func (c *Client) getAsset(ctx context.Context, assetID string) (assetEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/video/v1/assets/"+assetID, nil)
	if err != nil {
		return assetEnvelope{}, services.Wrap(services.ErrTransient, "videohost", "get asset", "build request", err)
	}
	req.SetBasicAuth(c.cfg.TokenID, c.cfg.TokenSecret)
	var envelope assetEnvelope
	if err := c.doJSON(req, "get asset", &envelope); err != nil {
		return assetEnvelope{}, err
	}
	return envelope, nil
}

func (c *Client) doJSON(req *http.Request, operation string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "videohost", operation, "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return services.Wrap(services.ErrTransient, "videohost", operation, "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return services.Wrap(services.ErrTransient, "videohost", operation,
			fmt.Sprintf("http %d: %s", resp.StatusCode, services.Truncate(string(payload), 200)), nil)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return services.Wrap(services.ErrTransient, "videohost", operation, "decode response", err)
	}
	return nil
}
