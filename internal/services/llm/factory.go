package llm

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
)

// NewService creates the client for one model profile.
func NewService(profile *common.ModelProfile, logger arbor.ILogger) (interfaces.LLMService, error) {
	switch profile.Provider {
	case "openai":
		return NewOpenAIService(profile, logger)
	case "ollama":
		return NewOllamaService(profile, logger)
	case "claude":
		return NewClaudeService(profile, logger)
	case "gemini":
		return NewGeminiService(profile, logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q in profile %q", profile.Provider, profile.Name)
	}
}

// NewServices builds clients for every configured profile. A profile that
// fails to initialize is logged and skipped so one bad entry does not take
// down the routing table.
func NewServices(cfg *common.LLMConfig, logger arbor.ILogger) map[string]interfaces.LLMService {
	services := make(map[string]interfaces.LLMService, len(cfg.Profiles))
	for i := range cfg.Profiles {
		profile := &cfg.Profiles[i]
		service, err := NewService(profile, logger)
		if err != nil {
			logger.Warn().Str("profile", profile.Name).Err(err).Msg("LLM profile skipped")
			continue
		}
		services[profile.Name] = service
		logger.Info().
			Str("profile", profile.Name).
			Str("provider", profile.Provider).
			Str("model", profile.Model).
			Msg("LLM profile ready")
	}
	return services
}
