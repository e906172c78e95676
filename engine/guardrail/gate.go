package guardrail

import (
	"context"
	"fmt"

	"github.com/evidentia/evidentia/pkg/logger"
)

// Role identifies what kind of text is being screened. Evidence chunks are
// untrusted exactly like user queries: documents can carry embedded
// instructions aimed at the synthesis step.
type Role string

const (
	RoleQuery    Role = "query"
	RoleEvidence Role = "evidence"
)

// Reason enumerates why a verdict rejected its input.
type Reason string

const (
	ReasonNone          Reason = "none"
	ReasonPatternMatch  Reason = "pattern_match"
	ReasonSemanticMatch Reason = "semantic_match"
)

// Verdict is the outcome of screening one text input.
type Verdict struct {
	Allowed         bool
	MatchedPatterns []string
	// SemanticScore is nil when the semantic layer is disabled or skipped.
	SemanticScore *float64
	Reason        Reason
}

// Config controls gate construction.
type Config struct {
	// Signatures feeds the deterministic pattern layer.
	Signatures []string
	// SemanticEnabled turns on the embedding similarity layer. Off by default:
	// embedding inference is slower than the automaton pass and is excluded
	// from the deterministic default path.
	SemanticEnabled bool
	// SemanticThreshold converts the similarity score to a rejection.
	SemanticThreshold float64
	// ReferencePhrases are the known attack phrasings the semantic layer
	// compares against. Defaults to Signatures when empty.
	ReferencePhrases []string
}

// DefaultSignatures is the stock blacklist applied when none is configured.
var DefaultSignatures = []string{
	"ignore previous instructions",
	"system prompt",
	"developer mode",
	"print context",
}

// DefaultSemanticThreshold is the stock similarity cutoff.
const DefaultSemanticThreshold = 0.85

// Gate composes the deterministic and semantic layers into one accept/reject
// decision, applied uniformly to queries and retrieved evidence.
type Gate struct {
	patterns  *PatternScreen
	semantic  *SemanticScreen
	threshold float64
}

// New builds a gate. embedder may be nil when the semantic layer is disabled.
func New(ctx context.Context, cfg *Config, embedder Embedder) (*Gate, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	signatures := cfg.Signatures
	if len(signatures) == 0 {
		signatures = DefaultSignatures
	}
	patterns, err := NewPatternScreen(signatures)
	if err != nil {
		return nil, err
	}
	gate := &Gate{patterns: patterns, threshold: cfg.SemanticThreshold}
	if gate.threshold <= 0 {
		gate.threshold = DefaultSemanticThreshold
	}
	if cfg.SemanticEnabled {
		phrases := cfg.ReferencePhrases
		if len(phrases) == 0 {
			phrases = signatures
		}
		semantic, err := NewSemanticScreen(ctx, embedder, phrases)
		if err != nil {
			return nil, fmt.Errorf("guardrail: build semantic screen: %w", err)
		}
		gate.semantic = semantic
	}
	return gate, nil
}

// Evaluate screens text and returns the verdict. The deterministic layer runs
// first; the semantic layer only runs when enabled and the pattern layer found
// nothing, keeping the common path cheap.
func (g *Gate) Evaluate(ctx context.Context, text string, role Role) (Verdict, error) {
	if matched := g.patterns.Screen(text); len(matched) > 0 {
		logger.FromContext(ctx).Warn("Input blocked by pattern screen",
			"role", role,
			"matched_patterns", matched,
		)
		return Verdict{Allowed: false, MatchedPatterns: matched, Reason: ReasonPatternMatch}, nil
	}
	if g.semantic == nil {
		return Verdict{Allowed: true, Reason: ReasonNone}, nil
	}
	score, err := g.semantic.Screen(ctx, text)
	if err != nil {
		// The semantic layer is optional hardening. Its unavailability is
		// absorbed: the deterministic layer already passed this input.
		logger.FromContext(ctx).Warn("Semantic screen unavailable, deterministic verdict stands",
			"role", role,
			"error", err,
		)
		return Verdict{Allowed: true, Reason: ReasonNone}, nil
	}
	if score >= g.threshold {
		logger.FromContext(ctx).Warn("Input blocked by semantic screen",
			"role", role,
			"semantic_score", score,
			"threshold", g.threshold,
		)
		return Verdict{Allowed: false, SemanticScore: &score, Reason: ReasonSemanticMatch}, nil
	}
	return Verdict{Allowed: true, SemanticScore: &score, Reason: ReasonNone}, nil
}

// SemanticEnabled reports whether the semantic layer is active.
func (g *Gate) SemanticEnabled() bool {
	return g.semantic != nil
}
