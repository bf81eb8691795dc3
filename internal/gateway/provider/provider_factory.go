package provider

import (
	"strings"
	"time"

	"tradevane/internal/config"
	"tradevane/internal/logger"
)

// BuildProvidersFromConfig materializes one ModelProvider per enabled config
// entry. Order is preserved; it doubles as failover preference.
func BuildProvidersFromConfig(models []config.AIModelConfig, timeout time.Duration) []ModelProvider {
	out := make([]ModelProvider, 0, len(models))
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		id := strings.TrimSpace(m.ID)
		if id == "" {
			logger.Warnf("ai.models entry without id skipped (model=%s)", m.Model)
			continue
		}
		client := &OpenAIChatClient{
			BaseURL:      m.APIURL,
			APIKey:       m.APIKey,
			Model:        m.Model,
			ExtraHeaders: m.Headers,
		}
		if timeout > 0 {
			client.Timeout = timeout
		}
		out = append(out, NewOpenAIModelProvider(id, true, client))
	}
	return out
}
