package memory

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultEncoding = "cl100k_base"
	// turnOverheadTokens covers role framing and message separators that the
	// raw content length does not account for.
	turnOverheadTokens = 2
)

// TokenCounter measures prompt cost for the budget check.
type TokenCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// TiktokenCounter counts with a real BPE encoding.
type TiktokenCounter struct {
	encodingName string
	tke          *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for the given model or encoding name,
// falling back to the default encoding when the name is unknown.
func NewTiktokenCounter(modelOrEncoding string) (*TiktokenCounter, error) {
	if modelOrEncoding == "" {
		modelOrEncoding = defaultEncoding
	}
	tke, err := tiktoken.GetEncoding(modelOrEncoding)
	if err != nil {
		tke, err = tiktoken.EncodingForModel(modelOrEncoding)
		if err != nil {
			tke, err = tiktoken.GetEncoding(defaultEncoding)
			if err != nil {
				return nil, fmt.Errorf("memory: get default encoding %q: %w", defaultEncoding, err)
			}
			modelOrEncoding = defaultEncoding
		}
	}
	return &TiktokenCounter{encodingName: modelOrEncoding, tke: tke}, nil
}

func (tc *TiktokenCounter) CountTokens(_ context.Context, text string) (int, error) {
	return len(tc.tke.Encode(text, nil, nil)), nil
}

// Encoding returns the name of the encoding actually in use.
func (tc *TiktokenCounter) Encoding() string {
	return tc.encodingName
}

// EstimatingCounter is the deterministic fallback when no BPE encoding is
// available: roughly four characters per token, never less than one for
// non-empty text.
type EstimatingCounter struct{}

func (EstimatingCounter) CountTokens(_ context.Context, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		n = 1
	}
	return n, nil
}

// DefaultTokenCounter returns a tiktoken counter, or the estimator when the
// encoding data cannot be loaded.
func DefaultTokenCounter() TokenCounter {
	tc, err := NewTiktokenCounter(defaultEncoding)
	if err != nil {
		return EstimatingCounter{}
	}
	return tc
}

// turnCost is content cost plus the per-message framing overhead.
func turnCost(ctx context.Context, counter TokenCounter, turn Turn) (int, error) {
	n, err := counter.CountTokens(ctx, turn.Content)
	if err != nil {
		return 0, err
	}
	return n + turnOverheadTokens, nil
}
