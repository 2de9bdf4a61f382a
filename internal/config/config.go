// Package config provides configuration loading for cisod.
//
// Configuration is loaded in three layers with increasing precedence:
// hardcoded defaults, an optional YAML file, then environment variables.
// Environment variables use underscore separators and are uppercased,
// e.g. SERVER_PORT -> server.port, LLM_BASE_URL -> llm.base_url.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/aegisops/cisod/internal/logging"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete cisod configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	LLM        LLMConfig        `koanf:"llm"`
	Store      StoreConfig      `koanf:"store"`
	Ledger     LedgerConfig     `koanf:"ledger"`
	Records    RecordsConfig    `koanf:"records"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Logging    logging.Config   `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AuthConfig holds token verification configuration.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret shared with the credential issuer.
	JWTSecret Secret `koanf:"jwt_secret"`
}

// EmbeddingsConfig holds embedding backend configuration.
//
// The backend is any OpenAI-compatible embeddings API; Ollama's /v1
// endpoint serving nomic-embed-text works out of the box.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// LLMConfig holds completion backend configuration.
type LLMConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// StoreConfig holds vector store configuration.
type StoreConfig struct {
	// Backend selects the vector store implementation: "chromem" or "qdrant".
	Backend string `koanf:"backend"`

	// Path is the directory for chromem persistent storage.
	Path string `koanf:"path"`

	// QdrantHost and QdrantPort address the Qdrant gRPC endpoint.
	QdrantHost string `koanf:"qdrant_host"`
	QdrantPort int    `koanf:"qdrant_port"`

	// MemoryCollection and PolicyCollection name the two logical indexes.
	MemoryCollection string `koanf:"memory_collection"`
	PolicyCollection string `koanf:"policy_collection"`

	// VectorSize is the embedding dimension. Must match the embedding model.
	VectorSize int `koanf:"vector_size"`
}

// LedgerConfig holds conversation ledger configuration.
type LedgerConfig struct {
	// Path is the badger database directory.
	Path string `koanf:"path"`
}

// RecordsConfig holds employee record source configuration.
type RecordsConfig struct {
	// Path is the SQLite database file containing employee profiles.
	Path string `koanf:"path"`
}

// PipelineConfig holds answer pipeline tuning.
type PipelineConfig struct {
	// RetrievalTimeout bounds each retrieval call (memory, policy, filter
	// synthesis). On expiry that source degrades to empty context.
	RetrievalTimeout time.Duration `koanf:"retrieval_timeout"`

	// StreamTimeout bounds the whole completion stream. Expiry is fatal
	// to the request.
	StreamTimeout time.Duration `koanf:"stream_timeout"`

	// MemoryTopK is the number of Q&A memory items retrieved per question.
	MemoryTopK int `koanf:"memory_top_k"`

	// PolicyTopK is the number of policy chunks retrieved per question.
	PolicyTopK int `koanf:"policy_top_k"`

	// DocumentTopK is the number of stored document chunks recalled when a
	// question refers back to an earlier upload.
	DocumentTopK int `koanf:"document_top_k"`

	// RecordLimit caps structured record results.
	RecordLimit int `koanf:"record_limit"`

	// ChunkSize and ChunkOverlap control document memory chunking.
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`
}

// Default returns a Config with production-ready defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			BaseURL: "http://localhost:11434/v1",
			Model:   "nomic-embed-text",
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Store: StoreConfig{
			Backend:          "chromem",
			Path:             "~/.local/share/cisod/vectorstore",
			QdrantHost:       "localhost",
			QdrantPort:       6334,
			MemoryCollection: "chat_memory",
			PolicyCollection: "acme_policies",
			VectorSize:       768,
		},
		Ledger: LedgerConfig{
			Path: "~/.local/share/cisod/ledger",
		},
		Records: RecordsConfig{
			Path: "~/.local/share/cisod/profiles.db",
		},
		Pipeline: PipelineConfig{
			RetrievalTimeout: 15 * time.Second,
			StreamTimeout:    2 * time.Minute,
			MemoryTopK:       5,
			PolicyTopK:       5,
			DocumentTopK:     50,
			RecordLimit:      50,
			ChunkSize:        3000,
			ChunkOverlap:     200,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if !c.Auth.JWTSecret.IsSet() {
		return fmt.Errorf("%w: auth.jwt_secret is required", ErrInvalidConfig)
	}
	if c.Store.Backend != "chromem" && c.Store.Backend != "qdrant" {
		return fmt.Errorf("%w: store backend %q must be chromem or qdrant", ErrInvalidConfig, c.Store.Backend)
	}
	if c.Store.VectorSize <= 0 {
		return fmt.Errorf("%w: store vector size must be positive", ErrInvalidConfig)
	}
	if c.Pipeline.ChunkSize <= c.Pipeline.ChunkOverlap || c.Pipeline.ChunkOverlap < 0 {
		return fmt.Errorf("%w: chunk size %d must exceed overlap %d (overlap >= 0)",
			ErrInvalidConfig, c.Pipeline.ChunkSize, c.Pipeline.ChunkOverlap)
	}
	if c.Pipeline.RecordLimit <= 0 {
		return fmt.Errorf("%w: record limit must be positive", ErrInvalidConfig)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrInvalidConfig, err)
	}
	return nil
}
