package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentia/evidentia/engine/core"
)

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, string, []Turn) (string, error) {
	return "", errors.New("summarization backend down")
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	mgr, err := NewManager(cfg, NewInMemoryStore(), VerbatimSummarizer{}, EstimatingCounter{})
	require.NoError(t, err)
	return mgr
}

func TestManager_ShouldKeepLastWindowVerbatimAndSummarizeTheRest(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, Config{WindowSize: 5, TokenBudget: 10000})

	for i := 1; i <= 12; i++ {
		_, err := mgr.AppendTurn(ctx, "run-1", Turn{
			Role:    RoleUser,
			Content: fmt.Sprintf("turn number %d about emissions", i),
		})
		require.NoError(t, err)
	}

	memCtx, err := mgr.Context(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, memCtx.Recent, 5)
	for i, turn := range memCtx.Recent {
		assert.Equal(t, fmt.Sprintf("turn number %d about emissions", i+8), turn.Content)
	}
	require.NotEmpty(t, memCtx.Summary)
	for i := 1; i <= 7; i++ {
		assert.Contains(t, memCtx.Summary, fmt.Sprintf("turn number %d", i))
	}
	assert.NotContains(t, memCtx.Summary, "turn number 8")
}

func TestManager_ShouldHoldTokenBudgetByTruncatingSummaryHead(t *testing.T) {
	ctx := context.Background()
	counter := EstimatingCounter{}
	mgr, err := NewManager(
		Config{WindowSize: 3, TokenBudget: 60},
		NewInMemoryStore(), VerbatimSummarizer{}, counter,
	)
	require.NoError(t, err)

	long := strings.Repeat("sustainability disclosure ", 8)
	var state *ConversationState
	for i := 0; i < 10; i++ {
		state, err = mgr.AppendTurn(ctx, "run-budget", Turn{Role: RoleUser, Content: long})
		require.NoError(t, err)
	}

	require.LessOrEqual(t, len(state.Turns), 3)
	total, err := counter.CountTokens(ctx, state.Summary)
	require.NoError(t, err)
	for _, turn := range state.Turns {
		n, err := counter.CountTokens(ctx, turn.Content)
		require.NoError(t, err)
		total += n + 2
	}
	assert.LessOrEqual(t, total, 60)
}

func TestManager_ShouldTruncateSingleTurnLargerThanBudget(t *testing.T) {
	ctx := context.Background()
	counter := EstimatingCounter{}
	mgr, err := NewManager(
		Config{WindowSize: 5, TokenBudget: 50},
		NewInMemoryStore(), VerbatimSummarizer{}, counter,
	)
	require.NoError(t, err)

	oversized := strings.Repeat("a", 1500)
	state, err := mgr.AppendTurn(ctx, "run-oversized", Turn{Role: RoleUser, Content: oversized})
	require.NoError(t, err)

	require.Len(t, state.Turns, 1)
	cost, err := counter.CountTokens(ctx, state.Turns[0].Content)
	require.NoError(t, err)
	assert.LessOrEqual(t, cost+2, 50)
	// The truncated content keeps the head of the original turn.
	assert.True(t, strings.HasPrefix(oversized, state.Turns[0].Content))
	assert.NotEmpty(t, state.Turns[0].Content)
}

func TestManager_ShouldFoldEvictedTurnsVerbatimWhenSummarizerFails(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(
		Config{WindowSize: 2, TokenBudget: 10000},
		NewInMemoryStore(), failingSummarizer{}, EstimatingCounter{},
	)
	require.NoError(t, err)

	for _, content := range []string{"scope one total", "water withdrawal", "board diversity"} {
		_, err := mgr.AppendTurn(ctx, "run-2", Turn{Role: RoleUser, Content: content})
		require.NoError(t, err)
	}

	memCtx, err := mgr.Context(ctx, "run-2")
	require.NoError(t, err)
	// The oldest turn was evicted; its content must survive in the summary.
	assert.Contains(t, memCtx.Summary, "scope one total")
	require.Len(t, memCtx.Recent, 2)
}

func TestManager_ShouldCommitExchangeAtomically(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, Config{WindowSize: 5, TokenBudget: 10000})

	state, err := mgr.AppendExchange(ctx, "run-3",
		Turn{Role: RoleUser, Content: "what are scope 2 emissions"},
		Turn{Role: RoleAssistant, Content: "Scope 2 emissions were 800 tCO2e."},
	)
	require.NoError(t, err)
	require.Len(t, state.Turns, 2)
	assert.Equal(t, RoleUser, state.Turns[0].Role)
	assert.Equal(t, RoleAssistant, state.Turns[1].Role)
}

func TestManager_ShouldReturnEmptyContextForUnknownRun(t *testing.T) {
	mgr := newTestManager(t, Config{WindowSize: 5, TokenBudget: 10000})
	memCtx, err := mgr.Context(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, memCtx.Summary)
	assert.Empty(t, memCtx.Recent)
}

func TestManager_ShouldNotLoseTurnsUnderConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, Config{WindowSize: 5, TokenBudget: 100000})

	const writers = 4
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := mgr.AppendTurn(ctx, "run-shared", Turn{
					Role:    RoleUser,
					Content: fmt.Sprintf("writer-%d-turn-%d", w, i),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	memCtx, err := mgr.Context(ctx, "run-shared")
	require.NoError(t, err)
	require.Len(t, memCtx.Recent, 5)
	// Every appended turn must appear either verbatim or folded into the
	// summary; a missing one means a lost read-modify-write.
	all := memCtx.Summary
	for _, turn := range memCtx.Recent {
		all += " " + turn.Content
	}
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			assert.Contains(t, all, fmt.Sprintf("writer-%d-turn-%d", w, i))
		}
	}
}

func TestManager_ShouldRejectInvalidConfig(t *testing.T) {
	_, err := NewManager(Config{WindowSize: 0, TokenBudget: 100}, NewInMemoryStore(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = NewManager(Config{WindowSize: 5, TokenBudget: 0}, NewInMemoryStore(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestEstimatingCounter_ShouldApproximateByRuneLength(t *testing.T) {
	ctx := context.Background()
	counter := EstimatingCounter{}

	n, err := counter.CountTokens(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = counter.CountTokens(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = counter.CountTokens(ctx, strings.Repeat("a", 40))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}
