package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Storage.Backend != "file" {
		t.Errorf("Backend = %q, want file", cfg.Storage.Backend)
	}
	if cfg.Storage.DataPath == "" {
		t.Error("DataPath is empty")
	}
	if cfg.Providers == nil {
		t.Error("Providers map is nil")
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worlds.toml")
	body := `
[storage]
backend = "sqlite"
data_path = "/var/lib/worlds.db"

[providers.openai]
api_key = "sk-from-file"
base_url = "https://example.test/v1"

[observer]
enabled = true
service_name = "worlds-test"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Storage.DataPath != "/var/lib/worlds.db" {
		t.Errorf("DataPath = %q", cfg.Storage.DataPath)
	}
	if pc := cfg.Providers["openai"]; pc.APIKey != "sk-from-file" || pc.BaseURL != "https://example.test/v1" {
		t.Errorf("openai provider = %+v", pc)
	}
	if !cfg.Observer.Enabled || cfg.Observer.ServiceName != "worlds-test" {
		t.Errorf("observer = %+v", cfg.Observer)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Storage.Backend != "file" {
		t.Errorf("Backend = %q, want the file default", cfg.Storage.Backend)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worlds.toml")
	if err := os.WriteFile(path, []byte("[storage]\nbackend = \"sqlite\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AGENT_WORLD_STORAGE_BACKEND", "postgres")
	t.Setenv("AGENT_WORLD_POSTGRES_URL", "postgres://localhost/worlds")
	t.Setenv("AGENT_WORLD_DATA_PATH", "/env/data")

	cfg := Load(path)
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("Backend = %q, want postgres from env", cfg.Storage.Backend)
	}
	if cfg.Storage.PostgresURL != "postgres://localhost/worlds" {
		t.Errorf("PostgresURL = %q", cfg.Storage.PostgresURL)
	}
	if cfg.Storage.DataPath != "/env/data" {
		t.Errorf("DataPath = %q, want /env/data", cfg.Storage.DataPath)
	}
}

func TestProviderKeysFromEnv(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("OLLAMA_BASE_URL", "http://localhost:11434/v1")

	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Providers["groq"].APIKey != "gsk-test" {
		t.Errorf("groq APIKey = %q, want gsk-test", cfg.Providers["groq"].APIKey)
	}
	if cfg.Providers["ollama"].BaseURL != "http://localhost:11434/v1" {
		t.Errorf("ollama BaseURL = %q", cfg.Providers["ollama"].BaseURL)
	}
}

func TestObserverEnabledFromEnv(t *testing.T) {
	t.Setenv("AGENT_WORLD_OBSERVER_ENABLED", "1")
	t.Setenv("OTEL_SERVICE_NAME", "svc-env")
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if !cfg.Observer.Enabled {
		t.Error("Enabled = false, want true from env")
	}
	if cfg.Observer.ServiceName != "svc-env" {
		t.Errorf("ServiceName = %q, want svc-env", cfg.Observer.ServiceName)
	}
}
