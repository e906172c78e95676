package knowledge

import "strings"

// Chunk is the immutable, page-attributed unit of evidence produced by
// ingestion. Every chunk traces to exactly one page of exactly one source
// document; the core reads chunks and never mutates them.
type Chunk struct {
	ID         string
	Text       string
	PageNumber int
	Source     string
	// Principle carries the BRSR principle/section tag when ingestion could
	// attribute one. Informational only.
	Principle string
	Embedding []float32
}

// OriginStage records which pipeline stage produced a candidate's score.
type OriginStage string

const (
	OriginVector   OriginStage = "vector"
	OriginReranked OriginStage = "reranked"
)

// RetrievalCandidate pairs a chunk with a per-query relevance score. Candidates
// live only for the duration of the query.
type RetrievalCandidate struct {
	Chunk  Chunk
	Score  float64
	Origin OriginStage
}

// DedupKey identifies a chunk for cross-query merging: two candidates with the
// same trimmed text, page, and source are the same piece of evidence.
type DedupKey struct {
	Text   string
	Page   int
	Source string
}

// Key returns the candidate's dedup identity.
func (c RetrievalCandidate) Key() DedupKey {
	return DedupKey{Text: strings.TrimSpace(c.Chunk.Text), Page: c.Chunk.PageNumber, Source: c.Chunk.Source}
}

// MergeCandidates concatenates a and b dropping duplicates from b that are
// already present in a. Order within each input is preserved.
func MergeCandidates(a, b []RetrievalCandidate) []RetrievalCandidate {
	merged := make([]RetrievalCandidate, 0, len(a)+len(b))
	seen := make(map[DedupKey]struct{}, len(a)+len(b))
	for _, c := range a {
		key := c.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, c)
	}
	for _, c := range b {
		key := c.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, c)
	}
	return merged
}
