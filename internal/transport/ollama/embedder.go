// Package ollama implements the embedding provider contract against the
// Ollama REST API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/metrics"
)

// Embedder is an embedding provider backed by a local or remote Ollama server.
type Embedder struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

// Config holds the Ollama endpoint settings.
type Config struct {
	BaseURL    string // e.g. http://localhost:11434
	Model      string // e.g. bge-m3
	Dimensions int
}

// NewEmbedder creates an Ollama-backed embedding provider.
func NewEmbedder(cfg *Config) *Embedder {
	return &Embedder{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Dimensions implements domain.Embedder.
func (e *Embedder) Dimensions() int { return e.dimensions }

// EmbedBatch generates embeddings for multiple texts in one call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]any{
		"model": e.model,
		"input": texts,
	}

	start := time.Now()

	body, err := e.post(ctx, "/api/embed", payload)

	duration := time.Since(start)

	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues("ollama", e.model, "error").Inc()
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues("ollama", e.model, "error").Inc()
		return nil, fmt.Errorf("ollama embed decode: %v: %w", err, domain.ErrProviderFatal)
	}

	if len(resp.Embeddings) != len(texts) {
		metrics.EmbeddingRequestsTotal.WithLabelValues("ollama", e.model, "error").Inc()
		return nil, fmt.Errorf(
			"ollama embed: got %d embeddings for %d texts: %w",
			len(resp.Embeddings), len(texts), domain.ErrProviderFatal,
		)
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues("ollama", e.model, "success").Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues("ollama", e.model).Observe(duration.Seconds())

	return resp.Embeddings, nil
}

// HealthCheck verifies the server answers on its version endpoint.
func (e *Embedder) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama version: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama version: status %d", resp.StatusCode)
	}
	return nil
}

func (e *Embedder) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request: %w", domain.ErrProviderTimeout)
		}
		return nil, fmt.Errorf("request: %v: %w", err, domain.ErrProviderTimeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrProviderRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %s: %w", resp.StatusCode, body, domain.ErrProviderTimeout)
	default:
		return nil, fmt.Errorf("status %d: %s: %w", resp.StatusCode, body, domain.ErrProviderFatal)
	}
}
