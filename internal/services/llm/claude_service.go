package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// ClaudeService talks to the Anthropic API through the official SDK.
type ClaudeService struct {
	profile   *common.ModelProfile
	client    *anthropic.Client
	maxTokens int64
	logger    arbor.ILogger
}

// NewClaudeService creates an Anthropic chat client.
func NewClaudeService(profile *common.ModelProfile, logger arbor.ILogger) (*ClaudeService, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("api key is required for profile %q", profile.Name)
	}
	if profile.Model == "" {
		profile.Model = "claude-sonnet-4-20250514"
	}
	maxTokens := int64(profile.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &ClaudeService{
		profile:   profile,
		client:    &client,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Name returns the profile name for routing.
func (s *ClaudeService) Name() string { return s.profile.Name }

// buildParams converts the chat turns. System messages travel in the
// dedicated System field, everything else keeps chronological order.
func (s *ClaudeService) buildParams(messages []interfaces.Message) (anthropic.MessageNewParams, error) {
	turns := make([]anthropic.MessageParam, 0, len(messages))
	var systemText string
	for _, m := range messages {
		switch m.Role {
		case "system":
			if systemText == "" {
				systemText = m.Content
			}
		case "assistant":
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("no user messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.profile.Model),
		MaxTokens: s.maxTokens,
		Messages:  turns,
	}
	if s.profile.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(s.profile.Temperature))
	}
	if systemText != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemText}}
	}
	return params, nil
}

// Generate runs one non-streaming completion.
func (s *ClaudeService) Generate(ctx context.Context, messages []interfaces.Message) (string, error) {
	params, err := s.buildParams(messages)
	if err != nil {
		return "", models.NewConstraintError("claude request", err)
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", models.NewUpstreamError("anthropic", true, err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", models.NewUpstreamError("anthropic", false, fmt.Errorf("empty completion from %s", s.profile.Model))
	}
	return out.String(), nil
}

// GenerateStream runs a streaming completion, forwarding text deltas as
// they arrive.
func (s *ClaudeService) GenerateStream(ctx context.Context, messages []interfaces.Message) (<-chan interfaces.StreamEvent, error) {
	params, err := s.buildParams(messages)
	if err != nil {
		return nil, models.NewConstraintError("claude request", err)
	}

	stream := s.client.Messages.NewStreaming(ctx, params)
	events := make(chan interfaces.StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if text := variant.Delta.Text; text != "" {
					events <- interfaces.StreamEvent{Kind: interfaces.StreamDelta, Text: text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			events <- interfaces.StreamEvent{Kind: interfaces.StreamError, Err: err}
			return
		}
		events <- interfaces.StreamEvent{Kind: interfaces.StreamCompleted}
	}()
	return events, nil
}
