package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/evidentia/evidentia/engine/knowledge"
	"github.com/evidentia/evidentia/pkg/logger"
)

// Reranker reorders and truncates a candidate set using a secondary relevance
// model. Implementations must never introduce candidates absent from the
// input, and must degrade to the pre-rerank order instead of failing a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []knowledge.RetrievalCandidate) ([]knowledge.RetrievalCandidate, error)
}

// Noop truncates to finalK without reordering. Used when reranking is off.
type Noop struct {
	FinalK int
}

func (n Noop) Rerank(_ context.Context, _ string, candidates []knowledge.RetrievalCandidate) ([]knowledge.RetrievalCandidate, error) {
	return truncate(candidates, n.FinalK), nil
}

const systemPrompt = "You are a Senior Sustainability Auditor. Rank document chunks " +
	"based on their ability to provide a FACTUAL and QUANTITATIVE answer.\n" +
	"Priority Criteria:\n" +
	"1. Chunks with specific metrics, tables, or financial figures.\n" +
	"2. Chunks explicitly referencing SEBI BRSR Principles.\n" +
	"3. Chunks with specific policy names or web links.\n" +
	"Ignore boilerplate legal disclaimers. " +
	`Respond ONLY with JSON of the form {"order": [<chunk ids, most relevant first>]}.`

// rankOrder is the structured response contract for the ranking model.
type rankOrder struct {
	Order []int `json:"order"`
}

// Model is the LLM-backed reranker.
type Model struct {
	llm     llms.Model
	finalK  int
	timeout time.Duration
}

// NewModel builds an LLM reranker that truncates to finalK.
func NewModel(llm llms.Model, finalK int, timeout time.Duration) (*Model, error) {
	if llm == nil {
		return nil, errors.New("rerank: model is required")
	}
	if finalK < 1 {
		return nil, errors.New("rerank: final_k must be at least 1")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Model{llm: llm, finalK: finalK, timeout: timeout}, nil
}

// Rerank asks the model for a relevance order over the candidates. Any model
// failure, timeout, or unparseable response degrades to the input order
// truncated to finalK; hallucinated ids are dropped, missing ids appended in
// their original relative order so no candidate is silently lost.
func (m *Model) Rerank(
	ctx context.Context,
	query string,
	candidates []knowledge.RetrievalCandidate,
) ([]knowledge.RetrievalCandidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	rankCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	order, err := m.requestOrder(rankCtx, query, candidates)
	if err != nil {
		logger.FromContext(ctx).Warn("Reranking failed, keeping vector order", "error", err)
		return truncate(candidates, m.finalK), nil
	}
	reordered := applyOrder(candidates, order)
	for i := range reordered {
		reordered[i].Origin = knowledge.OriginReranked
	}
	return truncate(reordered, m.finalK), nil
}

func (m *Model) requestOrder(
	ctx context.Context,
	query string,
	candidates []knowledge.RetrievalCandidate,
) ([]int, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Target Question: %s\n\n", query)
	for idx, c := range candidates {
		section := c.Chunk.Principle
		if section == "" {
			section = "Unknown Section"
		}
		fmt.Fprintf(&prompt, "# CHUNK ID %d (Section: %s):\n%s\n\n", idx+1, section, c.Chunk.Text)
	}
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt.String()),
	}
	resp, err := m.llm.GenerateContent(ctx, messages, llms.WithJSONMode())
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("rerank: empty model response")
	}
	return parseOrder(resp.Choices[0].Content)
}

func parseOrder(content string) ([]int, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("rerank: no JSON object in response: %q", trimmed)
	}
	var parsed rankOrder
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("rerank: decode rank order: %w", err)
	}
	if len(parsed.Order) == 0 {
		return nil, errors.New("rerank: model returned an empty order")
	}
	return parsed.Order, nil
}

// applyOrder reorders candidates by 1-based ids, guarding against hallucinated
// or repeated ids and appending any candidate the model omitted.
func applyOrder(candidates []knowledge.RetrievalCandidate, order []int) []knowledge.RetrievalCandidate {
	out := make([]knowledge.RetrievalCandidate, 0, len(candidates))
	used := make(map[int]struct{}, len(order))
	for _, id := range order {
		if id < 1 || id > len(candidates) {
			continue
		}
		if _, dup := used[id]; dup {
			continue
		}
		used[id] = struct{}{}
		out = append(out, candidates[id-1])
	}
	for i := range candidates {
		if _, ok := used[i+1]; !ok {
			out = append(out, candidates[i])
		}
	}
	return out
}

func truncate(candidates []knowledge.RetrievalCandidate, finalK int) []knowledge.RetrievalCandidate {
	if finalK > 0 && len(candidates) > finalK {
		return candidates[:finalK]
	}
	return candidates
}
