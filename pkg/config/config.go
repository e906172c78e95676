package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/evidentia/evidentia/engine/core"
	"github.com/evidentia/evidentia/engine/knowledge"
	"github.com/evidentia/evidentia/engine/knowledge/embedder"
	"github.com/evidentia/evidentia/engine/knowledge/vectordb"
	"github.com/evidentia/evidentia/engine/memory"
)

// HTTP holds the listener settings.
type HTTP struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Guardrail holds the screening settings. Empty signatures select the stock
// blacklist. The semantic layer itself is toggled by
// pipeline.semantic_screen_enabled.
type Guardrail struct {
	Signatures        []string `yaml:"signatures"`
	SemanticThreshold float64  `yaml:"semantic_threshold" validate:"gte=0,lte=1"`
	ReferencePhrases  []string `yaml:"reference_phrases"`
}

// Model selects the generation backend shared by rewrite, rerank,
// summarization and synthesis. Credentials come from the provider's standard
// environment variables.
type Model struct {
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai"`
	Name     string `yaml:"name"`
}

// Conversation selects the conversation store backend.
type Conversation struct {
	Provider  string        `yaml:"provider" validate:"omitempty,oneof=memory redis"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// Config is the immutable application configuration, constructed once at
// startup and passed explicitly into every component constructor.
type Config struct {
	Server       HTTP                     `yaml:"server"`
	Log          Log                      `yaml:"log"`
	Pipeline     knowledge.PipelineConfig `yaml:"pipeline"`
	Memory       memory.Config            `yaml:"memory"`
	Guardrail    Guardrail                `yaml:"guardrail"`
	VectorDB     vectordb.Config          `yaml:"vectordb"`
	Embedder     embedder.Config          `yaml:"embedder"`
	Model        Model                    `yaml:"model"`
	Conversation Conversation             `yaml:"conversation"`
	// Glossary maps audit terms to their regulatory expansion for the local
	// query rewriter.
	Glossary map[string]string `yaml:"glossary"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: HTTP{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:      Log{Level: "info"},
		Pipeline: knowledge.DefaultPipelineConfig(),
		Memory:   memory.DefaultConfig(),
		Guardrail: Guardrail{
			SemanticThreshold: 0.85,
		},
		VectorDB: vectordb.Config{Provider: vectordb.ProviderMemory, Dimension: 1536},
		Embedder: embedder.Config{
			Provider:  embedder.ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			CacheSize: 1024,
		},
		Model:        Model{Provider: "openai", Name: "gpt-4.1-mini"},
		Conversation: Conversation{Provider: "memory"},
	}
}

// Load reads and validates a YAML configuration file layered over the
// defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints plus each component's own rules.
// Invalid configuration is fatal at startup, never at per-query time.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return core.ConfigError("config", "%v", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if c.Conversation.Provider == "redis" && c.Conversation.RedisAddr == "" {
		return core.ConfigError("conversation.redis_addr", "required when provider is redis")
	}
	if c.VectorDB.Dimension > 0 && c.Embedder.Dimension > 0 &&
		c.VectorDB.Dimension != c.Embedder.Dimension {
		return core.ConfigError("vectordb.dimension",
			"must match embedder dimension (%d != %d)", c.VectorDB.Dimension, c.Embedder.Dimension)
	}
	return nil
}
