// Package corpus talks to the document corpus store: transcript documents
// with embeddings, plus the reference catalog of technique embeddings the
// matcher classifies against.
package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clipforge/internal/logging"
	"clipforge/internal/matcher"
	"clipforge/internal/services"
)

const (
	documentsTable = "corpus_documents"
	techniqueType  = "technique"

	defaultTimeout = 20 * time.Second
)

// Config captures settings for the corpus store.
type Config struct {
	URL        string
	ServiceKey string
	Timeout    time.Duration
}

// Client accesses the corpus store over its REST API.
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

// NewClient constructs a corpus client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		cfg: Config{
			URL:        strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
			ServiceKey: strings.TrimSpace(cfg.ServiceKey),
			Timeout:    timeout,
		},
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger(logger, "corpus"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type document struct {
	ID          string          `json:"id"`
	TechniqueID string          `json:"technique_id,omitempty"`
	Title       string          `json:"title,omitempty"`
	Embedding   json.RawMessage `json:"embedding,omitempty"`
}

// UpsertTranscript stores a transcript+embedding document keyed by job id.
// The write is idempotent: an existing document is returned as-is, and a
// conflict response is resolved by re-fetching the existing id.
func (c *Client) UpsertTranscript(ctx context.Context, jobID, transcript string, embedding []float64) (string, error) {
	if c.cfg.URL == "" || c.cfg.ServiceKey == "" {
		return "", services.Wrap(services.ErrConfiguration, "corpus", "upsert", "url and service key required", nil)
	}

	// Pre-check avoids most duplicate-key races.
	if existing, err := c.findByJobID(ctx, jobID); err == nil && existing != "" {
		c.logger.Debug("corpus document already exists",
			logging.String(logging.FieldJobID, jobID),
			logging.String("document_id", existing),
		)
		return existing, nil
	}

	body := map[string]any{
		"content":   transcript,
		"embedding": embedding,
		"metadata":  map[string]any{"source": "video_pipeline", "job_id": jobID},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "corpus", "upsert", "encode body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/"+documentsTable, bytes.NewReader(encoded))
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "corpus", "upsert", "build request", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "corpus", "upsert", "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "corpus", "upsert", "read body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var rows []document
		if err := json.Unmarshal(payload, &rows); err != nil {
			return "", services.Wrap(services.ErrTransient, "corpus", "upsert", "decode response", err)
		}
		if len(rows) == 0 {
			return "", services.Wrap(services.ErrTransient, "corpus", "upsert", "empty insert response", nil)
		}
		return rows[0].ID, nil
	case resp.StatusCode == http.StatusConflict:
		// Another writer inserted first; the document exists.
		existing, err := c.findByJobID(ctx, jobID)
		if err != nil {
			return "", err
		}
		if existing == "" {
			return "", services.Wrap(services.ErrTransient, "corpus", "upsert", "conflict but no existing document", nil)
		}
		return existing, nil
	default:
		snippet := strings.TrimSpace(string(payload))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return "", services.Wrap(services.ErrTransient, "corpus", "upsert", fmt.Sprintf("http %d: %s", resp.StatusCode, snippet), nil)
	}
}

// References loads the technique reference catalog. The catalog is fetched
// fresh per match; it is maintained by an external sync process.
func (c *Client) References(ctx context.Context) ([]matcher.Reference, error) {
	if c.cfg.URL == "" || c.cfg.ServiceKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "corpus", "references", "url and service key required", nil)
	}
	query := url.Values{}
	query.Set("doc_type", "eq."+techniqueType)
	query.Set("select", "id,technique_id,title,embedding")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/"+documentsTable+"?"+query.Encode(), nil)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "corpus", "references", "build request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "corpus", "references", "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "corpus", "references", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, services.Wrap(services.ErrTransient, "corpus", "references", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}

	var rows []document
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, services.Wrap(services.ErrTransient, "corpus", "references", "decode response", err)
	}

	refs := make([]matcher.Reference, 0, len(rows))
	for _, row := range rows {
		vector, ok := decodeVector(row.Embedding)
		if !ok {
			continue
		}
		refs = append(refs, matcher.Reference{
			TechniqueID: row.TechniqueID,
			Title:       row.Title,
			Vector:      vector,
		})
	}
	return refs, nil
}

func (c *Client) findByJobID(ctx context.Context, jobID string) (string, error) {
	query := url.Values{}
	query.Set("metadata->>job_id", "eq."+jobID)
	query.Set("select", "id")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/"+documentsTable+"?"+query.Encode(), nil)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "corpus", "find by job", "build request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "corpus", "find by job", "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "corpus", "find by job", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", services.Wrap(services.ErrTransient, "corpus", "find by job", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	var rows []document
	if err := json.Unmarshal(payload, &rows); err != nil {
		return "", services.Wrap(services.ErrTransient, "corpus", "find by job", "decode response", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].ID, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.cfg.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+c.cfg.ServiceKey)
}

// decodeVector tolerates both a JSON array and a string-encoded JSON array,
// which is how some stores return vector columns.
func decodeVector(raw json.RawMessage) ([]float64, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var vector []float64
	if err := json.Unmarshal(raw, &vector); err == nil {
		return vector, len(vector) > 0
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(encoded), &vector); err != nil {
		return nil, false
	}
	return vector, len(vector) > 0
}
