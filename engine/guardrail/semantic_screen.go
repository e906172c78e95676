package guardrail

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Embedder is the minimal embedding contract the semantic layer needs. The
// implementation must run on local compute so rejection stays near-free; the
// engine wires a local model here, never a remote API client.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SemanticScreen flags text that is semantically close to a reference set of
// known attack phrasings. It catches paraphrased injections the deterministic
// layer cannot see, at the cost of one local embedding inference per input.
type SemanticScreen struct {
	embedder   Embedder
	references [][]float32
	phrases    []string
}

// NewSemanticScreen embeds the reference phrases once at construction.
func NewSemanticScreen(ctx context.Context, embedder Embedder, phrases []string) (*SemanticScreen, error) {
	if embedder == nil {
		return nil, errors.New("guardrail: semantic screen embedder is required")
	}
	if len(phrases) == 0 {
		return nil, errors.New("guardrail: semantic screen requires at least one reference phrase")
	}
	references := make([][]float32, len(phrases))
	for i, phrase := range phrases {
		vec, err := embedder.EmbedQuery(ctx, phrase)
		if err != nil {
			return nil, fmt.Errorf("guardrail: embed reference phrase %d: %w", i, err)
		}
		if len(vec) == 0 {
			return nil, fmt.Errorf("guardrail: reference phrase %d produced an empty embedding", i)
		}
		references[i] = vec
	}
	return &SemanticScreen{embedder: embedder, references: references, phrases: phrases}, nil
}

// Screen returns the maximum cosine similarity between text and the reference
// set, clamped to [0, 1]. Threshold comparison is the gate's responsibility.
func (s *SemanticScreen) Screen(ctx context.Context, text string) (float64, error) {
	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("guardrail: embed input: %w", err)
	}
	maxScore := 0.0
	for _, ref := range s.references {
		score := cosineSimilarity(vec, ref)
		if score > maxScore {
			maxScore = score
		}
	}
	return maxScore, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
