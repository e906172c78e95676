package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evidentia/evidentia/engine/core"
	"github.com/evidentia/evidentia/engine/guardrail"
	"github.com/evidentia/evidentia/engine/knowledge"
	"github.com/evidentia/evidentia/engine/knowledge/rerank"
	"github.com/evidentia/evidentia/engine/knowledge/rewrite"
	"github.com/evidentia/evidentia/pkg/logger"
)

// State names the orchestration steps. Optional states are skipped per
// configuration; skipping never changes the contract of downstream states.
type State string

const (
	StateQueryReceived    State = "query_received"
	StateScreened         State = "screened"
	StateRewritten        State = "rewritten"
	StateRetrieved        State = "retrieved"
	StateEvidenceScreened State = "evidence_screened"
	StateReranked         State = "reranked"
	StateFinalized        State = "finalized"
	StateAborted          State = "aborted"
)

// Retriever is the vector retrieval contract consumed by the pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]knowledge.RetrievalCandidate, error)
}

// Result is the terminal outcome of one pipeline execution.
type Result struct {
	State State
	// Evidence is the final admissible candidate set. Empty with State
	// Finalized means "no admissible evidence": a grounded abstention.
	Evidence []knowledge.RetrievalCandidate
	// RewrittenQuery is set when the rewrite stage changed the query.
	RewrittenQuery string
	// QueryVerdict explains an abort caused by the query-level gate.
	QueryVerdict *guardrail.Verdict
	// DroppedEvidence counts chunks removed by the evidence-level gate.
	DroppedEvidence int
}

// Pipeline composes the retrieval stages chosen at construction time. Disabled
// optional stages are wired as pass-through implementations, so execution is a
// single fixed sequence with no toggle branching.
type Pipeline struct {
	gate      *guardrail.Gate
	rewriter  rewrite.Rewriter
	retriever Retriever
	reranker  rerank.Reranker
	cfg       knowledge.PipelineConfig
}

// New validates the configuration and assembles the stage sequence.
func New(
	cfg knowledge.PipelineConfig,
	gate *guardrail.Gate,
	rewriter rewrite.Rewriter,
	ret Retriever,
	reranker rerank.Reranker,
) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gate == nil {
		return nil, errors.New("pipeline: guardrail gate is required")
	}
	if ret == nil {
		return nil, errors.New("pipeline: retriever is required")
	}
	if rewriter == nil || !cfg.RewriteEnabled {
		rewriter = rewrite.Noop{}
	}
	if reranker == nil || !cfg.RerankEnabled {
		reranker = rerank.Noop{FinalK: cfg.FinalK}
	}
	return &Pipeline{
		gate:      gate,
		rewriter:  rewriter,
		retriever: ret,
		reranker:  reranker,
		cfg:       cfg,
	}, nil
}

// Execute runs the query through screen → rewrite → retrieve → screen →
// rerank. A rejected query aborts before any downstream model call and
// returns core.ErrGuardrailRejection alongside the verdict.
func (p *Pipeline) Execute(ctx context.Context, query string) (result *Result, err error) {
	start := time.Now()
	defer func() {
		outcome := "error"
		if result != nil {
			outcome = string(result.State)
		}
		knowledge.RecordQueryLatency(ctx, outcome, time.Since(start))
	}()

	log := logger.FromContext(ctx)
	verdict, err := p.gate.Evaluate(ctx, query, guardrail.RoleQuery)
	if err != nil {
		return nil, fmt.Errorf("pipeline: screen query: %w", err)
	}
	if !verdict.Allowed {
		return &Result{State: StateAborted, QueryVerdict: &verdict},
			fmt.Errorf("%w: query blocked (%s)", core.ErrGuardrailRejection, verdict.Reason)
	}

	queries, rewritten, err := p.expandQueries(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates, err := p.retrieveAll(ctx, queries)
	if err != nil {
		return nil, err
	}
	knowledge.RecordCandidates(ctx, string(StateRetrieved), len(candidates))

	admissible, dropped, err := p.screenEvidence(ctx, candidates)
	if err != nil {
		return nil, err
	}
	knowledge.RecordCandidates(ctx, string(StateEvidenceScreened), len(admissible))
	if dropped > 0 {
		log.Info("Evidence screening dropped candidates",
			"dropped", dropped,
			"remaining", len(admissible),
		)
	}
	if len(admissible) == 0 {
		// Valid terminal condition: synthesis renders this as an abstention.
		knowledge.RecordEmptyEvidence(ctx)
		return &Result{State: StateFinalized, RewrittenQuery: rewritten, DroppedEvidence: dropped}, nil
	}

	evidence, err := p.reranker.Rerank(ctx, query, admissible)
	if err != nil {
		return nil, fmt.Errorf("pipeline: rerank: %w", err)
	}
	knowledge.RecordCandidates(ctx, string(StateReranked), len(evidence))
	return &Result{
		State:           StateFinalized,
		Evidence:        evidence,
		RewrittenQuery:  rewritten,
		DroppedEvidence: dropped,
	}, nil
}

// expandQueries returns the retrieval targets: the original query, plus the
// rewritten form when the rewrite stage changed it (dual retrieval).
func (p *Pipeline) expandQueries(ctx context.Context, query string) ([]string, string, error) {
	rewritten, err := p.rewriter.Rewrite(ctx, query)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: rewrite query: %w", err)
	}
	if rewritten == query || rewritten == "" {
		return []string{query}, "", nil
	}
	logger.FromContext(ctx).Debug("Query rewritten", "rewritten", rewritten)
	return []string{query, rewritten}, rewritten, nil
}

func (p *Pipeline) retrieveAll(ctx context.Context, queries []string) ([]knowledge.RetrievalCandidate, error) {
	var merged []knowledge.RetrievalCandidate
	for _, q := range queries {
		candidates, err := p.retriever.Retrieve(ctx, q)
		if err != nil {
			return nil, err
		}
		merged = knowledge.MergeCandidates(merged, candidates)
	}
	return merged, nil
}

// screenEvidence gates every candidate. Chunks are screened concurrently
// because verdicts are pure and independent per chunk; input order is
// preserved in the output.
func (p *Pipeline) screenEvidence(
	ctx context.Context,
	candidates []knowledge.RetrievalCandidate,
) ([]knowledge.RetrievalCandidate, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	verdicts := make([]guardrail.Verdict, len(candidates))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.GOMAXPROCS(0))
	for i := range candidates {
		i := i
		group.Go(func() error {
			verdict, err := p.gate.Evaluate(groupCtx, candidates[i].Chunk.Text, guardrail.RoleEvidence)
			if err != nil {
				return err
			}
			verdicts[i] = verdict
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, 0, fmt.Errorf("pipeline: screen evidence: %w", err)
	}
	admissible := make([]knowledge.RetrievalCandidate, 0, len(candidates))
	dropped := 0
	for i, verdict := range verdicts {
		if verdict.Allowed {
			admissible = append(admissible, candidates[i])
			continue
		}
		dropped++
		knowledge.RecordRejectedChunks(ctx, string(verdict.Reason), 1)
		logger.FromContext(ctx).Warn("Evidence chunk rejected",
			"chunk_id", candidates[i].Chunk.ID,
			"page", candidates[i].Chunk.PageNumber,
			"reason", verdict.Reason,
		)
	}
	return admissible, dropped, nil
}
