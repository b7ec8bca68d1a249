package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Storage   StorageConfig             `toml:"storage"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Skills    SkillsConfig              `toml:"skills"`
	Observer  ObserverConfig            `toml:"observer"`
}

type StorageConfig struct {
	// Backend selects the persistence engine: "file", "sqlite", "postgres",
	// or "memory".
	Backend string `toml:"backend"`
	// DataPath is the file-tree root or SQLite database path.
	DataPath string `toml:"data_path"`
	// PostgresURL is the connection string for the postgres backend.
	PostgresURL string `toml:"postgres_url"`
}

type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type SkillsConfig struct {
	GlobalDir  string `toml:"global_dir"`
	ProjectDir string `toml:"project_dir"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Storage: StorageConfig{
			Backend:  "file",
			DataPath: filepath.Join(home, ".agent-world"),
		},
		Skills: SkillsConfig{
			GlobalDir: filepath.Join(home, ".agent-world", "skills"),
		},
		Providers: map[string]ProviderConfig{},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "worlds.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}

	// Env overrides
	if v := os.Getenv("AGENT_WORLD_DATA_PATH"); v != "" {
		cfg.Storage.DataPath = v
	}
	if v := os.Getenv("AGENT_WORLD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("AGENT_WORLD_POSTGRES_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("AGENT_WORLD_SKILLS_DIR"); v != "" {
		cfg.Skills.GlobalDir = v
	}
	if v := os.Getenv("AGENT_WORLD_PROJECT_SKILLS_DIR"); v != "" {
		cfg.Skills.ProjectDir = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.Observer.ServiceName = v
	}
	if v := os.Getenv("AGENT_WORLD_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Per-provider API keys: OPENAI_API_KEY, GROQ_API_KEY, and friends.
	for _, name := range []string{"openai", "groq", "deepseek", "together", "mistral", "ollama"} {
		envKey := envName(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			pc := cfg.Providers[name]
			pc.APIKey = v
			cfg.Providers[name] = pc
		}
		if v := os.Getenv(envName(name) + "_BASE_URL"); v != "" {
			pc := cfg.Providers[name]
			pc.BaseURL = v
			cfg.Providers[name] = pc
		}
	}

	return cfg
}

func envName(provider string) string {
	out := make([]byte, len(provider))
	for i := 0; i < len(provider); i++ {
		c := provider[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
