package vectordb

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store used by tests and single-report local
// runs. Similarity is cosine, matching the pgvector configuration.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.records[rec.ID] = rec
	}
	return nil
}

func (m *MemoryStore) Search(_ context.Context, query []float32, opts SearchOptions) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := make([]Match, 0, len(m.records))
	for _, rec := range m.records {
		score := cosine(query, rec.Embedding)
		if score < opts.MinScore {
			continue
		}
		matches = append(matches, Match{
			ID:        rec.ID,
			Score:     score,
			Text:      rec.Text,
			Page:      rec.Page,
			Source:    rec.Source,
			Principle: rec.Principle,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if opts.TopK > 0 && len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}
	return matches, nil
}

func (m *MemoryStore) Delete(_ context.Context, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range filter.IDs {
		delete(m.records, id)
	}
	if filter.Source != "" {
		for id, rec := range m.records {
			if rec.Source == filter.Source {
				delete(m.records, id)
			}
		}
	}
	return nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *MemoryStore) Close(_ context.Context) error {
	return nil
}

func cosine(a, b []float32) float64 {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
