package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/evidentia/evidentia/engine/answer"
	"github.com/evidentia/evidentia/engine/knowledge"
	"github.com/evidentia/evidentia/engine/knowledge/pipeline"
	"github.com/evidentia/evidentia/engine/memory"
	"github.com/evidentia/evidentia/pkg/logger"
)

// QueryPipeline is the retrieval pipeline surface the service depends on.
type QueryPipeline interface {
	Execute(ctx context.Context, query string) (*pipeline.Result, error)
}

// Synthesizer composes the final answer from screened evidence.
type Synthesizer interface {
	Synthesize(
		ctx context.Context,
		query string,
		evidence []knowledge.RetrievalCandidate,
		memCtx memory.Context,
	) (answer.Answer, error)
}

// Service is the audit entrypoint. It owns the interactive chat path and the
// offline batch extraction path, sharing one retrieval pipeline.
type Service struct {
	pipeline    QueryPipeline
	synthesizer Synthesizer
	mem         *memory.Manager
	llm         llms.Model
	jobs        *Jobs
}

// NewService wires the audit paths. llm may be nil when batch extraction is
// not used.
func NewService(p QueryPipeline, s Synthesizer, mem *memory.Manager, llm llms.Model) (*Service, error) {
	if p == nil {
		return nil, errors.New("audit: pipeline is required")
	}
	if s == nil {
		return nil, errors.New("audit: synthesizer is required")
	}
	if mem == nil {
		return nil, errors.New("audit: memory manager is required")
	}
	return &Service{pipeline: p, synthesizer: s, mem: mem, llm: llm, jobs: NewJobs()}, nil
}

// Jobs exposes the background job registry for status polling.
func (s *Service) Jobs() *Jobs {
	return s.jobs
}

// RunQuery answers one interactive query for a run. Conversation state is
// committed only after the full turn is synthesized, so a failed or rejected
// query never leaves a dangling user message.
func (s *Service) RunQuery(ctx context.Context, runID, query string) (answer.Answer, error) {
	memCtx, err := s.mem.Context(ctx, runID)
	if err != nil {
		return answer.Answer{}, fmt.Errorf("audit: load conversation context: %w", err)
	}

	result, err := s.pipeline.Execute(ctx, query)
	if err != nil {
		return answer.Answer{}, err
	}

	ans, err := s.synthesizer.Synthesize(ctx, query, result.Evidence, memCtx)
	if err != nil {
		return answer.Answer{}, err
	}

	if _, err := s.mem.AppendExchange(ctx, runID,
		memory.Turn{Role: memory.RoleUser, Content: query},
		memory.Turn{Role: memory.RoleAssistant, Content: ans.Text},
	); err != nil {
		return answer.Answer{}, fmt.Errorf("audit: commit conversation state: %w", err)
	}
	return ans, nil
}

// BatchResult is the outcome of one extraction batch.
type BatchResult struct {
	Batch      string           `json:"batch"`
	Findings   []answer.Finding `json:"findings"`
	RawAnswer  string           `json:"raw_answer"`
	ChunksUsed int              `json:"num_chunks_used"`
}

// RunReportBatch answers a full question set, batch by batch. Each batch
// retrieves evidence per question, deduplicates the union, and extracts all
// answers in a single model call. A failed batch is logged and skipped; the
// remaining batches still run.
func (s *Service) RunReportBatch(
	ctx context.Context,
	runID string,
	batches map[string][]Question,
) ([]BatchResult, error) {
	if s.llm == nil {
		return nil, errors.New("audit: batch extraction requires a model")
	}
	log := logger.FromContext(ctx)
	results := make([]BatchResult, 0, len(batches))
	var failures []error
	for _, name := range batchNames(batches) {
		questions := batches[name]
		log.Info("Processing extraction batch",
			"run_id", runID,
			"batch", name,
			"questions", len(questions),
		)
		result, err := s.extractBatch(ctx, name, questions)
		if err != nil {
			log.Error("Batch extraction failed", "batch", name, "error", err)
			failures = append(failures, fmt.Errorf("batch %s: %w", name, err))
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(failures...)
}

// extractBatch gathers the deduplicated evidence union for a batch and runs
// one combined extraction call over it.
func (s *Service) extractBatch(ctx context.Context, name string, questions []Question) (BatchResult, error) {
	log := logger.FromContext(ctx)
	var evidence []knowledge.RetrievalCandidate
	for _, q := range questions {
		result, err := s.pipeline.Execute(ctx, q.Question)
		if err != nil {
			// Per-question retrieval failures reduce coverage but do not sink
			// the batch.
			log.Warn("Question retrieval failed", "batch", name, "question_id", q.ID, "error", err)
			continue
		}
		evidence = knowledge.MergeCandidates(evidence, result.Evidence)
	}

	raw, err := s.answerBatch(ctx, name, questions, evidence)
	if err != nil {
		return BatchResult{}, err
	}
	return BatchResult{
		Batch:      name,
		Findings:   answer.ParseFindings(raw),
		RawAnswer:  raw,
		ChunksUsed: len(evidence),
	}, nil
}

const extractionSystemPrompt = "You are a precise AI assistant. Answer the user's question using " +
	"ONLY the provided context. If the information is not present, respond exactly: " +
	"'" + answer.AbstentionText + "' Always cite specific Page numbers for every extraction."

// answerBatch runs the single combined extraction call for a batch.
func (s *Service) answerBatch(
	ctx context.Context,
	name string,
	questions []Question,
	evidence []knowledge.RetrievalCandidate,
) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "You are performing an ESG audit extraction task for the section: %s.\n", name)
	prompt.WriteString("STRICT: Use ONLY the provided context. Cite exact page numbers. No summaries.\n\n")
	prompt.WriteString("ANSWER FORMAT PER QUESTION:\n")
	prompt.WriteString("<QUESTION_ID>:\n")
	prompt.WriteString("Answer: <verbatim statement or '" + answer.AbstentionText + "'>\n")
	prompt.WriteString("Page: <page number or 'N/A'>\n")
	prompt.WriteString("Evidence: \"<exact quote>\"\n\n")
	prompt.WriteString("QUESTIONS:\n")
	for _, q := range questions {
		fmt.Fprintf(&prompt, "%s. %s\n", q.ID, q.Question)
	}

	var contextBlock strings.Builder
	for i, c := range evidence {
		fmt.Fprintf(&contextBlock, "\n--- Context Chunk %d (Page %d, %s) ---\n%s\n",
			i+1, c.Chunk.PageNumber, c.Chunk.Source, c.Chunk.Text)
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, extractionSystemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman,
			"Context:\n"+contextBlock.String()+"\n\nQuestion: "+prompt.String()),
	}
	resp, err := s.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("audit: batch extraction call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("audit: batch extraction returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
