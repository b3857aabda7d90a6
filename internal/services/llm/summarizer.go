package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
)

const summarySystemPrompt = "You are an analyst summarizing e-commerce customer feedback. Be concise and factual; never invent numbers."

// RoutingSummarizer resolves a flow code to an ordered candidate list of
// model profiles and walks the list until one of them answers.
type RoutingSummarizer struct {
	services map[string]interfaces.LLMService
	routes   map[string][]string
	logger   arbor.ILogger
}

// NewSummarizer builds the summarizer from the configured profiles and
// routing table. Returns nil when no profile initialized; callers treat a
// nil summarizer as enrichment disabled.
func NewSummarizer(services map[string]interfaces.LLMService, routes map[string][]string, logger arbor.ILogger) interfaces.Summarizer {
	if len(services) == 0 {
		return nil
	}
	return &RoutingSummarizer{
		services: services,
		routes:   routes,
		logger:   logger,
	}
}

// Summarize walks the flow's candidates in order and returns the first
// successful completion together with the answering profile's name.
func (s *RoutingSummarizer) Summarize(ctx context.Context, flowCode, prompt string) (string, string, error) {
	candidates := s.candidates(flowCode)
	if len(candidates) == 0 {
		return "", "", fmt.Errorf("no llm candidates for flow %q", flowCode)
	}

	messages := []interfaces.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: prompt},
	}

	var lastErr error
	for _, name := range candidates {
		service, ok := s.services[name]
		if !ok {
			continue
		}
		text, err := service.Generate(ctx, messages)
		if err != nil {
			lastErr = err
			s.logger.Warn().
				Str("flow", flowCode).
				Str("profile", name).
				Err(err).
				Msg("Summarizer candidate failed, trying next")
			continue
		}
		return text, name, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable llm profile for flow %q", flowCode)
	}
	return "", "", lastErr
}

// candidates resolves the flow code, falling back to the default route.
func (s *RoutingSummarizer) candidates(flowCode string) []string {
	if names, ok := s.routes[flowCode]; ok {
		return names
	}
	return s.routes["default"]
}
