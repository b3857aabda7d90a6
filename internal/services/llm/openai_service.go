// Package llm provides chat clients for the configured model profiles and
// the routing summarizer built on top of them.
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
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// OpenAIService talks to any OpenAI-compatible chat completion endpoint.
type OpenAIService struct {
	profile *common.ModelProfile
	client  *http.Client
	baseURL string
	logger  arbor.ILogger
}

// NewOpenAIService creates an OpenAI-compatible chat client.
func NewOpenAIService(profile *common.ModelProfile, logger arbor.ILogger) (*OpenAIService, error) {
	if profile.Model == "" {
		return nil, fmt.Errorf("model is required for profile %q", profile.Name)
	}
	baseURL := profile.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIService{
		profile: profile,
		client:  &http.Client{Timeout: profileTimeout(profile)},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// Name returns the profile name for routing.
func (s *OpenAIService) Name() string { return s.profile.Name }

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate runs one non-streaming chat completion.
func (s *OpenAIService) Generate(ctx context.Context, messages []interfaces.Message) (string, error) {
	resp, err := s.post(ctx, s.buildRequest(messages, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", models.NewUpstreamError("openai", true, fmt.Errorf("decode completion: %w", err))
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message.Content == "" {
		return "", models.NewUpstreamError("openai", false, fmt.Errorf("empty completion from %s", s.profile.Model))
	}
	return decoded.Choices[0].Message.Content, nil
}

// GenerateStream runs a streaming completion, forwarding SSE deltas as they
// arrive.
func (s *OpenAIService) GenerateStream(ctx context.Context, messages []interfaces.Message) (<-chan interfaces.StreamEvent, error) {
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
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				events <- interfaces.StreamEvent{Kind: interfaces.StreamCompleted}
				return
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				events <- interfaces.StreamEvent{Kind: interfaces.StreamDelta, Text: chunk.Choices[0].Delta.Content}
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

func (s *OpenAIService) buildRequest(messages []interfaces.Message, stream bool) *chatCompletionRequest {
	req := &chatCompletionRequest{
		Model:       s.profile.Model,
		Messages:    make([]chatMessage, 0, len(messages)),
		MaxTokens:   s.profile.MaxTokens,
		Temperature: s.profile.Temperature,
		Stream:      stream,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

func (s *OpenAIService) post(ctx context.Context, payload *chatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewConstraintError("openai request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewConstraintError("openai request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.profile.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.profile.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, models.NewUpstreamError("openai", true, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, models.NewUpstreamError("openai", retryable,
			fmt.Errorf("%s returned %d: %s", s.profile.Model, resp.StatusCode, truncate(string(data), 200)))
	}
	return resp, nil
}

func profileTimeout(profile *common.ModelProfile) time.Duration {
	d, err := time.ParseDuration(profile.Timeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
