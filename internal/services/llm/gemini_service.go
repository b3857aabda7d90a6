package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"google.golang.org/genai"
)

// GeminiService talks to the Gemini API through the google genai SDK.
type GeminiService struct {
	profile *common.ModelProfile
	client  *genai.Client
	logger  arbor.ILogger
}

// NewGeminiService creates a Gemini chat client.
func NewGeminiService(profile *common.ModelProfile, logger arbor.ILogger) (*GeminiService, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("api key is required for profile %q", profile.Name)
	}
	if profile.Model == "" {
		profile.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  profile.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiService{
		profile: profile,
		client:  client,
		logger:  logger,
	}, nil
}

// Name returns the profile name for routing.
func (s *GeminiService) Name() string { return s.profile.Name }

func (s *GeminiService) buildContents(messages []interfaces.Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(messages))
	config := &genai.GenerateContentConfig{}
	if s.profile.Temperature > 0 {
		config.Temperature = genai.Ptr(s.profile.Temperature)
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			if config.SystemInstruction == nil {
				config.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
			}
		case "assistant":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
			})
		}
	}
	return contents, config
}

// Generate runs one non-streaming completion.
func (s *GeminiService) Generate(ctx context.Context, messages []interfaces.Message) (string, error) {
	contents, config := s.buildContents(messages)

	resp, err := s.client.Models.GenerateContent(ctx, s.profile.Model, contents, config)
	if err != nil {
		return "", models.NewUpstreamError("gemini", true, err)
	}

	var out strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			out.WriteString(part.Text)
		}
		if out.Len() > 0 {
			break
		}
	}
	if out.Len() == 0 {
		return "", models.NewUpstreamError("gemini", false, fmt.Errorf("empty completion from %s", s.profile.Model))
	}
	return out.String(), nil
}

// GenerateStream runs a streaming completion, forwarding text deltas as
// they arrive.
func (s *GeminiService) GenerateStream(ctx context.Context, messages []interfaces.Message) (<-chan interfaces.StreamEvent, error) {
	contents, config := s.buildContents(messages)

	events := make(chan interfaces.StreamEvent)
	go func() {
		defer close(events)

		for resp, err := range s.client.Models.GenerateContentStream(ctx, s.profile.Model, contents, config) {
			if err != nil {
				events <- interfaces.StreamEvent{Kind: interfaces.StreamError, Err: err}
				return
			}
			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						events <- interfaces.StreamEvent{Kind: interfaces.StreamDelta, Text: part.Text}
					}
				}
			}
		}
		events <- interfaces.StreamEvent{Kind: interfaces.StreamCompleted}
	}()
	return events, nil
}
