package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// configSections are the recognized top-level keys. Environment variables
// whose first underscore-delimited segment is not one of these are ignored,
// so unrelated process environment does not leak into the config.
var configSections = map[string]bool{
	"server":     true,
	"auth":       true,
	"embeddings": true,
	"llm":        true,
	"store":      true,
	"ledger":     true,
	"records":    true,
	"pipeline":   true,
	"logging":    true,
}

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, LLM_BASE_URL, AUTH_JWT_SECRET, ...)
//  2. YAML config file (configPath; skipped when empty or missing)
//  3. Defaults from Default()
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			content, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// envTransform maps environment variable names to config keys.
//
//	SERVER_PORT          -> server.port
//	AUTH_JWT_SECRET      -> auth.jwt_secret
//	STORE_QDRANT_HOST    -> store.qdrant_host
//	PIPELINE_CHUNK_SIZE  -> pipeline.chunk_size
func envTransform(s string) string {
	lower := strings.ToLower(s)
	section, rest, found := strings.Cut(lower, "_")
	if !found || !configSections[section] {
		return ""
	}
	return section + "." + rest
}
