package memory

import (
	"context"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// Summarizer folds evicted turns into the running summary. A returned error
// means the previous summary is still valid; the manager then falls back to a
// verbatim fold so evicted content is never dropped.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, evicted []Turn) (string, error)
}

// VerbatimSummarizer concatenates instead of compressing. It is the zero
// dependency default and the fallback shape used when a model summarizer
// fails.
type VerbatimSummarizer struct{}

func (VerbatimSummarizer) Summarize(_ context.Context, previous string, evicted []Turn) (string, error) {
	return foldVerbatim(previous, evicted), nil
}

// foldVerbatim appends evicted turn content to the summary without loss.
func foldVerbatim(previous string, evicted []Turn) string {
	parts := make([]string, 0, len(evicted)+1)
	if previous != "" {
		parts = append(parts, previous)
	}
	for _, turn := range evicted {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		parts = append(parts, string(turn.Role)+": "+content)
	}
	return strings.Join(parts, " | ")
}

const summarizePrompt = "You maintain the running summary of an ESG audit conversation. " +
	"Merge the new turns into the existing summary. Preserve every disclosed metric, " +
	"page reference, and commitment. Respond ONLY with the updated summary."

// ModelSummarizer compresses history through an LLM, bounded by a timeout.
type ModelSummarizer struct {
	llm     llms.Model
	timeout time.Duration
}

// NewModelSummarizer wraps an LLM as a summarizer. timeout bounds each call;
// zero means 15 seconds.
func NewModelSummarizer(llm llms.Model, timeout time.Duration) *ModelSummarizer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ModelSummarizer{llm: llm, timeout: timeout}
}

func (m *ModelSummarizer) Summarize(ctx context.Context, previous string, evicted []Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var b strings.Builder
	if previous != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("New turns:\n")
	for _, turn := range evicted {
		b.WriteString(string(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, summarizePrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, b.String()),
	}
	resp, err := m.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", errEmptySummary
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
