package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/evidentia/evidentia/engine/core"
	"github.com/evidentia/evidentia/engine/knowledge"
	"github.com/evidentia/evidentia/engine/knowledge/vectordb"
	"github.com/evidentia/evidentia/pkg/logger"
)

// Embedder is the query-embedding contract the retriever depends on.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Service performs vector similarity retrieval. Results are ordered by score
// descending with ties broken by chunk id ascending, so the same query against
// the same store state always yields the same sequence.
type Service struct {
	embedder Embedder
	store    vectordb.Store
	cfg      knowledge.PipelineConfig
	tracer   trace.Tracer
}

// NewService wires the retriever against its collaborators.
func NewService(emb Embedder, store vectordb.Store, cfg knowledge.PipelineConfig) (*Service, error) {
	if emb == nil {
		return nil, errors.New("retriever: embedder is required")
	}
	if store == nil {
		return nil, errors.New("retriever: vector store is required")
	}
	return &Service{
		embedder: emb,
		store:    store,
		cfg:      cfg,
		tracer:   otel.Tracer("evidentia.knowledge.retriever"),
	}, nil
}

// Retrieve embeds the query and returns up to initial_k candidates. The vector
// search is an idempotent read, so a transient failure is retried once with
// backoff; a second failure aborts the query as retrieval-unavailable.
func (s *Service) Retrieve(ctx context.Context, query string) ([]knowledge.RetrievalCandidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("retriever: query is required")
	}
	ctx, span := s.tracer.Start(ctx, "evidentia.retriever.retrieve", trace.WithAttributes(
		attribute.Int("initial_k", s.cfg.InitialK),
	))
	defer span.End()
	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	matches, err := s.searchWithRetry(ctx, vector)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	sortMatches(matches)
	candidates := make([]knowledge.RetrievalCandidate, len(matches))
	for i, m := range matches {
		candidates[i] = knowledge.RetrievalCandidate{
			Chunk: knowledge.Chunk{
				ID:         m.ID,
				Text:       m.Text,
				PageNumber: m.Page,
				Source:     m.Source,
				Principle:  m.Principle,
			},
			Score:  m.Score,
			Origin: knowledge.OriginVector,
		}
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	logger.FromContext(ctx).Debug("Vector retrieval executed",
		"candidates", len(candidates),
		"initial_k", s.cfg.InitialK,
	)
	return candidates, nil
}

func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()
	vector, err := s.embedder.EmbedQuery(embedCtx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: query embedding: %v", core.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("retriever: embed query: %w", err)
	}
	return vector, nil
}

func (s *Service) searchWithRetry(ctx context.Context, vector []float32) ([]vectordb.Match, error) {
	var matches []vectordb.Match
	backoff := retry.WithMaxRetries(1, retry.NewExponential(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		searchCtx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
		defer cancel()
		found, searchErr := s.store.Search(searchCtx, vector, vectordb.SearchOptions{
			TopK:     s.cfg.InitialK,
			MinScore: s.cfg.MinScore,
		})
		if searchErr != nil {
			logger.FromContext(ctx).Warn("Vector search attempt failed", "error", searchErr)
			return retry.RetryableError(searchErr)
		}
		matches = found
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: vector search: %v", core.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", core.ErrRetrievalUnavailable, err)
	}
	return matches, nil
}

func sortMatches(matches []vectordb.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
}
