package answer

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/evidentia/evidentia/engine/knowledge"
	"github.com/evidentia/evidentia/engine/memory"
	"github.com/evidentia/evidentia/pkg/logger"
)

const systemPrompt = "You are a precise AI assistant. Answer the user's question using ONLY " +
	"the provided context. If the information is not present, respond exactly: " +
	"'" + AbstentionText + "' Always cite specific Page numbers for every extraction."

// pageRef matches the page citations the prompt demands, e.g. "Page 14",
// "page: 14", "(p. 14)".
var pageRef = regexp.MustCompile(`(?i)\b(?:page|p\.)\s*:?\s*(\d+)`)

// Synthesizer composes a grounded response from admissible evidence plus the
// conversation context. Grounding is enforced structurally: a citation whose
// (source, page) pair is absent from the evidence set is discarded, and an
// answer left without a single valid citation becomes an abstention rather
// than an uncited claim.
type Synthesizer struct {
	llm     llms.Model
	timeout time.Duration
}

// NewSynthesizer wraps an LLM. timeout bounds each call; zero means
// 60 seconds.
func NewSynthesizer(llm llms.Model, timeout time.Duration) *Synthesizer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Synthesizer{llm: llm, timeout: timeout}
}

// Synthesize answers the query from the evidence set. Empty evidence yields
// the canonical abstention without a model call.
func (s *Synthesizer) Synthesize(
	ctx context.Context,
	query string,
	evidence []knowledge.RetrievalCandidate,
	memCtx memory.Context,
) (Answer, error) {
	if len(evidence) == 0 {
		return Abstention(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
	}
	if history := memCtx.Render(); history != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem,
			"Conversation so far:\n"+history))
	}
	messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman,
		"Context:\n"+renderEvidence(evidence)+"\n\nQuestion: "+query))

	resp, err := s.llm.GenerateContent(ctx, messages)
	if err != nil {
		return Answer{}, fmt.Errorf("answer: generate response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Answer{}, fmt.Errorf("answer: model returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	return s.ground(ctx, text, evidence), nil
}

// ground validates the generated text against the evidence set and produces
// the final answer.
func (s *Synthesizer) ground(ctx context.Context, text string, evidence []knowledge.RetrievalCandidate) Answer {
	if text == "" || strings.Contains(text, AbstentionText) {
		return Abstention()
	}
	citations := extractCitations(text, evidence)
	if len(citations) == 0 {
		// Claims without a single admissible citation are never shipped.
		logger.FromContext(ctx).Warn("Generated answer carried no valid citation, abstaining",
			"evidence_chunks", len(evidence),
		)
		return Abstention()
	}
	return Answer{Text: text, Citations: citations, Grounded: true}
}

// renderEvidence numbers the chunks the way the extraction prompt expects.
func renderEvidence(evidence []knowledge.RetrievalCandidate) string {
	var b strings.Builder
	for i, c := range evidence {
		fmt.Fprintf(&b, "\n--- Context Chunk %d (Page %d, %s) ---\n%s\n",
			i+1, c.Chunk.PageNumber, c.Chunk.Source, c.Chunk.Text)
	}
	return b.String()
}

// extractCitations pulls page references out of the text and keeps only the
// (source, page) pairs that exist in the evidence set.
func extractCitations(text string, evidence []knowledge.RetrievalCandidate) []Citation {
	sourcesByPage := make(map[int]map[string]struct{})
	for _, c := range evidence {
		if sourcesByPage[c.Chunk.PageNumber] == nil {
			sourcesByPage[c.Chunk.PageNumber] = make(map[string]struct{})
		}
		sourcesByPage[c.Chunk.PageNumber][c.Chunk.Source] = struct{}{}
	}

	seen := make(map[Citation]struct{})
	var citations []Citation
	for _, match := range pageRef.FindAllStringSubmatch(text, -1) {
		page, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		for source := range sourcesByPage[page] {
			citation := Citation{Source: source, Page: page}
			if _, ok := seen[citation]; ok {
				continue
			}
			seen[citation] = struct{}{}
			citations = append(citations, citation)
		}
	}
	sortCitations(citations)
	return citations
}
