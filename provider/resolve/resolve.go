// Package resolve maps provider names to concrete worlds.Provider
// implementations, filling in well-known base URLs.
package resolve

import (
	"fmt"
	"sync"

	worlds "github.com/nivara/worlds"
	"github.com/nivara/worlds/provider/openaicompat"
)

// Config holds provider-agnostic settings for creating a chat Provider.
type Config struct {
	Provider string // "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	BaseURL  string // optional; auto-filled for known providers
}

// Provider creates a worlds.Provider from a provider-agnostic Config.
func Provider(cfg Config) (worlds.Provider, error) {
	switch cfg.Provider {
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		return openaicompat.NewProvider(cfg.APIKey, baseURL,
			openaicompat.WithName(cfg.Provider)), nil
	default:
		if cfg.BaseURL != "" {
			// Unknown name with an explicit base URL: assume OpenAI-compatible.
			return openaicompat.NewProvider(cfg.APIKey, cfg.BaseURL,
				openaicompat.WithName(cfg.Provider)), nil
		}
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// Resolver builds a caching worlds.ProviderResolver from a key lookup.
// keyFor returns the API key (and optional base URL override) per name.
func Resolver(keyFor func(name string) (apiKey, baseURL string)) worlds.ProviderResolver {
	var mu sync.Mutex
	cache := make(map[string]worlds.Provider)
	return func(name string) (worlds.Provider, error) {
		if name == "" {
			return nil, fmt.Errorf("resolve: no provider configured")
		}
		mu.Lock()
		defer mu.Unlock()
		if p, ok := cache[name]; ok {
			return p, nil
		}
		apiKey, baseURL := "", ""
		if keyFor != nil {
			apiKey, baseURL = keyFor(name)
		}
		p, err := Provider(Config{Provider: name, APIKey: apiKey, BaseURL: baseURL})
		if err != nil {
			return nil, err
		}
		cache[name] = p
		return p, nil
	}
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
