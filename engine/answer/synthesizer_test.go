package answer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/evidentia/evidentia/engine/answer"
	"github.com/evidentia/evidentia/engine/knowledge"
	"github.com/evidentia/evidentia/engine/memory"
)

type fakeModel struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeModel) GenerateContent(
	_ context.Context,
	messages []llms.MessageContent,
	_ ...llms.CallOption,
) (*llms.ContentResponse, error) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				f.prompts = append(f.prompts, text.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.response}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := f.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func evidenceChunk(id, text string, page int) knowledge.RetrievalCandidate {
	return knowledge.RetrievalCandidate{
		Chunk: knowledge.Chunk{ID: id, Text: text, PageNumber: page, Source: "brsr-fy24.pdf"},
		Score: 0.9,
	}
}

func TestSynthesizer_ShouldCiteOnlyPagesPresentInEvidence(t *testing.T) {
	model := &fakeModel{response: "Scope 1 emissions were 1,200 tCO2e (Page 14). Scope 2 is on Page 99."}
	s := answer.NewSynthesizer(model, 0)

	got, err := s.Synthesize(context.Background(), "scope 1 emissions",
		[]knowledge.RetrievalCandidate{
			evidenceChunk("a", "Scope 1: 1,200 tCO2e", 14),
			evidenceChunk("b", "Energy mix table", 15),
		}, memory.Context{})
	require.NoError(t, err)
	assert.True(t, got.Grounded)
	// Page 99 is not in the evidence set and must not surface as a citation.
	assert.Equal(t, []answer.Citation{{Source: "brsr-fy24.pdf", Page: 14}}, got.Citations)
}

func TestSynthesizer_ShouldAbstainWithoutModelCallOnEmptyEvidence(t *testing.T) {
	model := &fakeModel{response: "should never be used"}
	s := answer.NewSynthesizer(model, 0)

	got, err := s.Synthesize(context.Background(), "anything", nil, memory.Context{})
	require.NoError(t, err)
	assert.False(t, got.Grounded)
	assert.Equal(t, answer.AbstentionText, got.Text)
	assert.Empty(t, got.Citations)
	assert.Empty(t, model.prompts)
}

func TestSynthesizer_ShouldAbstainWhenAnswerCarriesNoValidCitation(t *testing.T) {
	model := &fakeModel{response: "The company is doing great on emissions."}
	s := answer.NewSynthesizer(model, 0)

	got, err := s.Synthesize(context.Background(), "emissions",
		[]knowledge.RetrievalCandidate{evidenceChunk("a", "Scope 1 table", 14)}, memory.Context{})
	require.NoError(t, err)
	assert.False(t, got.Grounded)
	assert.Equal(t, answer.AbstentionText, got.Text)
	assert.Empty(t, got.Citations)
}

func TestSynthesizer_ShouldPassAbstentionThrough(t *testing.T) {
	model := &fakeModel{response: "Not disclosed in the report."}
	s := answer.NewSynthesizer(model, 0)

	got, err := s.Synthesize(context.Background(), "biodiversity spend",
		[]knowledge.RetrievalCandidate{evidenceChunk("a", "unrelated text", 3)}, memory.Context{})
	require.NoError(t, err)
	assert.False(t, got.Grounded)
	assert.Equal(t, answer.AbstentionText, got.Text)
	assert.Empty(t, got.Citations)
}

func TestSynthesizer_ShouldIncludeConversationContextInPrompt(t *testing.T) {
	model := &fakeModel{response: "Scope 2 was 800 tCO2e, see Page 15."}
	s := answer.NewSynthesizer(model, 0)

	memCtx := memory.Context{
		Summary: "user asked about scope 1",
		Recent:  []memory.Turn{{Role: memory.RoleUser, Content: "and scope 2?"}},
	}
	_, err := s.Synthesize(context.Background(), "and scope 2?",
		[]knowledge.RetrievalCandidate{evidenceChunk("a", "Scope 2: 800 tCO2e", 15)}, memCtx)
	require.NoError(t, err)

	var combined string
	for _, p := range model.prompts {
		combined += p + "\n"
	}
	assert.Contains(t, combined, "user asked about scope 1")
	assert.Contains(t, combined, "and scope 2?")
	assert.Contains(t, combined, "Context Chunk 1 (Page 15")
}

func TestSynthesizer_ShouldSurfaceModelFailure(t *testing.T) {
	s := answer.NewSynthesizer(&fakeModel{err: errors.New("upstream 500")}, 0)
	_, err := s.Synthesize(context.Background(), "q",
		[]knowledge.RetrievalCandidate{evidenceChunk("a", "text", 1)}, memory.Context{})
	require.Error(t, err)
}
