package rewrite

import (
	"context"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/evidentia/evidentia/pkg/logger"
)

// Rewriter turns a user question into domain terminology before retrieval.
// Implementations must be safe to apply to an already-rewritten query.
type Rewriter interface {
	Rewrite(ctx context.Context, query string) (string, error)
}

// Noop passes the query through unmodified. It is the default: audit runs are
// deterministic when the same query always retrieves the same evidence.
type Noop struct{}

func (Noop) Rewrite(_ context.Context, query string) (string, error) {
	return query, nil
}

// Glossary expands known terms with their BRSR-aligned phrasing. The expansion
// is local and deterministic: each glossary hit appends its expansion once, and
// re-running on the output is a no-op because the expansion is already present.
type Glossary struct {
	terms map[string]string
	order []string
}

// NewGlossary builds a glossary rewriter from term → expansion pairs.
func NewGlossary(terms map[string]string) *Glossary {
	normalized := make(map[string]string, len(terms))
	order := make([]string, 0, len(terms))
	for term, expansion := range terms {
		key := strings.ToLower(strings.TrimSpace(term))
		if key == "" || strings.TrimSpace(expansion) == "" {
			continue
		}
		normalized[key] = strings.TrimSpace(expansion)
		order = append(order, key)
	}
	sort.Strings(order)
	return &Glossary{terms: normalized, order: order}
}

func (g *Glossary) Rewrite(_ context.Context, query string) (string, error) {
	lowered := strings.ToLower(query)
	additions := make([]string, 0, 2)
	for _, term := range g.order {
		expansion := g.terms[term]
		if !strings.Contains(lowered, term) {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(expansion)) {
			continue
		}
		additions = append(additions, expansion)
	}
	if len(additions) == 0 {
		return query, nil
	}
	return query + " (" + strings.Join(additions, "; ") + ")", nil
}

const systemPrompt = "You are an expert ESG Auditor. Rewrite user questions into " +
	"precise search queries for a BRSR (Business Responsibility and Sustainability Report). " +
	"Expand technical terms (e.g., CSR, GHG, Scope 3) using BRSR and NGRBC-aligned language. " +
	"Keep the query concise. Respond ONLY with the refined query."

// Model is the LLM rewriter that mirrors the auditor-assist mode: an expert
// prompt expands technical terms with regulatory framing. Rewrite failures
// fall back to the original query, never to a failed pipeline.
type Model struct {
	llm llms.Model
}

// NewModel wraps an LLM as a rewriter.
func NewModel(llm llms.Model) *Model {
	return &Model{llm: llm}
}

func (m *Model) Rewrite(ctx context.Context, query string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, query),
	}
	resp, err := m.llm.GenerateContent(ctx, messages)
	if err != nil || len(resp.Choices) == 0 {
		logger.FromContext(ctx).Warn("Query rewriting failed, using original query", "error", err)
		return query, nil
	}
	rewritten := strings.TrimSpace(resp.Choices[0].Content)
	if rewritten == "" {
		return query, nil
	}
	return rewritten, nil
}
