package knowledge

import (
	"time"

	"github.com/evidentia/evidentia/engine/core"
)

const (
	DefaultInitialK        = 20
	DefaultFinalK          = 10
	MaxInitialK            = 50
	DefaultUpstreamTimeout = 30 * time.Second
)

// PipelineConfig is the immutable per-run configuration shared read-only by
// every retrieval stage. It is constructed once at startup and passed
// explicitly into component constructors; nothing reads ambient global state.
type PipelineConfig struct {
	// InitialK is the candidate set size fetched from the vector store.
	InitialK int `yaml:"initial_k"`
	// FinalK is the evidence set size handed to synthesis.
	FinalK int `yaml:"final_k"`
	// RewriteEnabled turns on domain-terminology query rewriting. Off by
	// default so audit runs stay deterministic.
	RewriteEnabled bool `yaml:"rewrite_enabled"`
	// RerankEnabled turns on secondary-model reranking.
	RerankEnabled bool `yaml:"rerank_enabled"`
	// SemanticScreenEnabled turns on the guardrail's embedding layer.
	SemanticScreenEnabled bool `yaml:"semantic_screen_enabled"`
	// MinScore drops vector matches below this similarity.
	MinScore float64 `yaml:"min_score"`
	// UpstreamTimeout bounds every external call made by the pipeline.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
}

// DefaultPipelineConfig returns the deterministic default profile: plain
// vector retrieval with both optional stages off.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		InitialK:        DefaultInitialK,
		FinalK:          DefaultFinalK,
		UpstreamTimeout: DefaultUpstreamTimeout,
	}
}

// Validate enforces the startup-time invariants. Violations are configuration
// errors and must never surface at per-query time.
func (c *PipelineConfig) Validate() error {
	if c.InitialK < 1 || c.InitialK > MaxInitialK {
		return core.ConfigError("initial_k", "must be in [1, %d], got %d", MaxInitialK, c.InitialK)
	}
	if c.FinalK < 1 {
		return core.ConfigError("final_k", "must be at least 1, got %d", c.FinalK)
	}
	if c.FinalK > c.InitialK {
		return core.ConfigError("final_k", "must not exceed initial_k (%d), got %d", c.InitialK, c.FinalK)
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return core.ConfigError("min_score", "must be in [0, 1], got %v", c.MinScore)
	}
	if c.UpstreamTimeout <= 0 {
		return core.ConfigError("upstream_timeout", "must be positive, got %v", c.UpstreamTimeout)
	}
	return nil
}
