package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// OllamaService talks to a local Ollama instance over its native chat API.
// Streaming responses are newline-delimited JSON rather than SSE.
type OllamaService struct {
	profile *common.ModelProfile
	client  *http.Client
	baseURL string
	logger  arbor.ILogger
}

// NewOllamaService creates an Ollama chat client.
func NewOllamaService(profile *common.ModelProfile, logger arbor.ILogger) (*OllamaService, error) {
	if profile.Model == "" {
		return nil, fmt.Errorf("model is required for profile %q", profile.Name)
	}
	baseURL := profile.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaService{
		profile: profile,
		client:  &http.Client{Timeout: profileTimeout(profile)},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// Name returns the profile name for routing.
func (s *OllamaService) Name() string { return s.profile.Name }

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Generate runs one non-streaming chat completion.
func (s *OllamaService) Generate(ctx context.Context, messages []interfaces.Message) (string, error) {
	resp, err := s.post(ctx, s.buildRequest(messages, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chunk ollamaChatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", models.NewUpstreamError("ollama", true, fmt.Errorf("decode completion: %w", err))
	}
	if chunk.Message.Content == "" {
		return "", models.NewUpstreamError("ollama", false, fmt.Errorf("empty completion from %s", s.profile.Model))
	}
	return chunk.Message.Content, nil
}

// GenerateStream runs a streaming completion, forwarding NDJSON chunks as
// they arrive.
func (s *OllamaService) GenerateStream(ctx context.Context, messages []interfaces.Message) (<-chan interfaces.StreamEvent, error) {
	resp, err := s.post(ctx, s.buildRequest(messages, true))
	if err != nil {
		return nil, err
	}

	events := make(chan interfaces.StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk ollamaChatChunk
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				continue
			}
			if chunk.Message.Content != "" {
				events <- interfaces.StreamEvent{Kind: interfaces.StreamDelta, Text: chunk.Message.Content}
			}
			if chunk.Done {
				events <- interfaces.StreamEvent{Kind: interfaces.StreamCompleted}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			events <- interfaces.StreamEvent{Kind: interfaces.StreamError, Err: err}
			return
		}
		events <- interfaces.StreamEvent{Kind: interfaces.StreamCompleted}
	}()
	return events, nil
}

func (s *OllamaService) buildRequest(messages []interfaces.Message, stream bool) *ollamaChatRequest {
	req := &ollamaChatRequest{
		Model:    s.profile.Model,
		Messages: make([]chatMessage, 0, len(messages)),
		Stream:   stream,
	}
	if s.profile.Temperature > 0 {
		req.Options = map[string]interface{}{"temperature": s.profile.Temperature}
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

func (s *OllamaService) post(ctx context.Context, payload *ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewConstraintError("ollama request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewConstraintError("ollama request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, models.NewUpstreamError("ollama", true, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, models.NewUpstreamError("ollama", resp.StatusCode >= 500,
			fmt.Errorf("%s returned %d: %s", s.profile.Model, resp.StatusCode, truncate(string(data), 200)))
	}
	return resp, nil
}
