package vectordb

// Package vectordb owns the persistence contract for report chunks. Retrieval
// only ever calls Search; Upsert and Delete exist for the ingestion side.

import (
	"context"
)

// Provider enumerates supported vector store backends.
type Provider string

const (
	ProviderPGVector Provider = "pgvector"
	// ProviderMemory keeps chunks in process memory. Used for tests and
	// single-report local runs.
	ProviderMemory Provider = "memory"
)

// Record is a chunk as persisted by ingestion.
type Record struct {
	ID        string
	Text      string
	Page      int
	Source    string
	Principle string
	Embedding []float32
}

// SearchOptions controls similarity search execution.
type SearchOptions struct {
	TopK     int
	MinScore float64
}

// Match is one similarity search result.
type Match struct {
	ID        string
	Score     float64
	Text      string
	Page      int
	Source    string
	Principle string
}

// Filter specifies delete criteria.
type Filter struct {
	IDs    []string
	Source string
}

// Store is the minimal contract between the core and the vector database.
// Search must never mutate stored chunks.
type Store interface {
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]Match, error)
	Delete(ctx context.Context, filter Filter) error
	Count(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// Config captures normalized connection details for a vector store.
type Config struct {
	Provider  Provider `yaml:"provider"`
	DSN       string   `yaml:"dsn"`
	Table     string   `yaml:"table"`
	Dimension int      `yaml:"dimension"`
	// EnsureIndex creates the ANN index when the table is created.
	EnsureIndex bool `yaml:"ensure_index"`
}

// New instantiates a store for the configured provider.
func New(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	switch cfg.Provider {
	case ProviderPGVector:
		return newPGStore(ctx, cfg)
	case ProviderMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, errUnknownProvider(string(cfg.Provider))
	}
}
