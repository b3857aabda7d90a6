// Package embeddings produces dense vectors through an external provider.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"golang.org/x/time/rate"
)

// Service calls an OpenAI-compatible or Ollama embedding endpoint. Vectors
// are L2-normalized before they leave this package so cosine similarity
// reduces to a dot product everywhere downstream.
type Service struct {
	backend   string
	baseURL   string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
	limiter   *rate.Limiter
	logger    arbor.ILogger
}

// NewService builds the embedding service from configuration.
func NewService(cfg *common.EmbeddingConfig, logger arbor.ILogger) (interfaces.EmbeddingService, error) {
	switch cfg.Backend {
	case "openai", "ollama":
	default:
		return nil, fmt.Errorf("unknown embedding backend: %s", cfg.Backend)
	}

	interval := 100 * time.Millisecond
	if d, err := time.ParseDuration(cfg.RateLimit); err == nil && d > 0 {
		interval = d
	}

	return &Service{
		backend:   cfg.Backend,
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: 60 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		logger:    logger,
	}, nil
}

func (s *Service) Dimension() int { return s.dimension }

// EmbedQuery embeds a single query string.
func (s *Service) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := s.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts embeds a batch of texts in order. Any dimension mismatch with
// the configured value is permanent: retrying the same model cannot fix it.
func (s *Service) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var vectors [][]float32
	var err error
	switch s.backend {
	case "ollama":
		vectors, err = s.embedOllama(ctx, texts)
	default:
		vectors, err = s.embedOpenAI(ctx, texts)
	}
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(texts) {
		return nil, models.NewUpstreamError(s.backend, true,
			fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(vectors)))
	}
	for i, vec := range vectors {
		if len(vec) != s.dimension {
			return nil, models.NewUpstreamError(s.backend, false,
				fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(vec), s.dimension))
		}
		Normalize(vec)
	}
	return vectors, nil
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *Service) embedOpenAI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := s.post(ctx, s.baseURL+"/v1/embeddings", openAIEmbedRequest{
		Model: s.model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var resp openAIEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, models.NewUpstreamError("openai", true, fmt.Errorf("decode response: %w", err))
	}
	if resp.Error != nil {
		return nil, models.NewUpstreamError("openai", false, fmt.Errorf("%s", resp.Error.Message))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, models.NewUpstreamError("openai", true,
				fmt.Errorf("embedding index %d out of range", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (s *Service) embedOllama(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := s.post(ctx, s.baseURL+"/api/embed", ollamaEmbedRequest{
		Model: s.model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, models.NewUpstreamError("ollama", true, fmt.Errorf("decode response: %w", err))
	}
	if resp.Error != "" {
		return nil, models.NewUpstreamError("ollama", false, fmt.Errorf("%s", resp.Error))
	}
	return resp.Embeddings, nil
}

// post sends a JSON request and classifies HTTP failures: 5xx and 429 are
// retryable, other non-2xx are permanent.
func (s *Service) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewConstraintError("embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, models.NewConstraintError("embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, models.NewUpstreamError(s.backend, true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewUpstreamError(s.backend, true, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return nil, models.NewUpstreamError(s.backend, retryable,
		fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200)))
}

// Normalize scales the vector to unit length in place. Zero vectors are
// left untouched.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= norm
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
