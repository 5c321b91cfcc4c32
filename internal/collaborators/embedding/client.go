// Package embedding talks to the embedding sidecar: POST /embed turns text
// into a vector, GET /health reports readiness.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	infraerrors "github.com/jonesrussell/curator/infrastructure/errors"
	infrahttp "github.com/jonesrussell/curator/infrastructure/http"
	"github.com/jonesrussell/curator/internal/collaborators"
)

const defaultTimeout = 30 * time.Second

// ErrUnavailable indicates the sidecar could not be reached.
var ErrUnavailable = errors.New("embedding service unavailable")

// Config configures the sidecar client.
type Config struct {
	URL     string        `env:"EMBEDDING_URL"     yaml:"url"`
	Timeout time.Duration `env:"EMBEDDING_TIMEOUT" yaml:"timeout"`
	// Dimensions, when set, rejects vectors of any other length.
	Dimensions int `env:"EMBEDDING_DIMENSIONS" yaml:"dimensions"`
}

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Model     string    `json:"model,omitempty"`
}

type healthResponse struct {
	Model string `json:"model"`
}

// Client implements processing.Embedder.
type Client struct {
	baseURL    string
	dimensions int
	http       *http.Client
}

// NewClient creates a sidecar client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("embedding url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		dimensions: cfg.Dimensions,
		http:       infrahttp.NewClient(infrahttp.ClientConfig{Timeout: cfg.Timeout, MaxRedirects: -1}),
	}, nil
}

// Embed returns the vector for text. Errors are collaborators.StageError.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Input: text})
	if err != nil {
		return nil, collaborators.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, collaborators.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, collaborators.Transient(fmt.Errorf("%w: %w", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	if httpErr := infraerrors.ParseHTTPError(resp); httpErr != nil {
		return nil, collaborators.FromHTTP(fmt.Errorf("embed: %w", httpErr))
	}

	var out embedResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&out); decodeErr != nil {
		return nil, collaborators.Transient(fmt.Errorf("decode response: %w", decodeErr))
	}
	if len(out.Embedding) == 0 {
		return nil, collaborators.Transient(errors.New("embedding service returned an empty vector"))
	}
	if c.dimensions > 0 && len(out.Embedding) != c.dimensions {
		return nil, collaborators.Permanent(fmt.Errorf(
			"embedding has %d dimensions, want %d", len(out.Embedding), c.dimensions))
	}
	return out.Embedding, nil
}

// Health checks the sidecar and returns the model it serves, if reported.
func (c *Client) Health(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if httpErr := infraerrors.ParseHTTPError(resp); httpErr != nil {
		return "", fmt.Errorf("unhealthy: %w", httpErr)
	}
	var h healthResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&h); decodeErr != nil {
		return "", nil
	}
	return h.Model, nil
}
