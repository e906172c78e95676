package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/evidentia/evidentia/engine/core"
	"github.com/evidentia/evidentia/pkg/logger"
)

// Config bounds a conversation's memory.
type Config struct {
	// WindowSize is how many recent turns are kept verbatim.
	WindowSize int `yaml:"window_size" json:"window_size"`
	// TokenBudget caps the token footprint of summary plus verbatim turns.
	TokenBudget int `yaml:"token_budget" json:"token_budget"`
}

// DefaultConfig returns the stock memory bounds.
func DefaultConfig() Config {
	return Config{WindowSize: 5, TokenBudget: 2000}
}

func (c *Config) Validate() error {
	if c.WindowSize < 1 {
		return core.ConfigError("memory.window_size", "must be at least 1, got %d", c.WindowSize)
	}
	if c.TokenBudget < 1 {
		return core.ConfigError("memory.token_budget", "must be positive, got %d", c.TokenBudget)
	}
	return nil
}

// Manager maintains per-conversation state: a sliding window of verbatim
// recent turns plus a progressively summarized older-context block, under a
// token budget. Mutations on the same run id serialize through a
// per-conversation lock held across the full read-modify-write.
type Manager struct {
	cfg        Config
	store      Store
	summarizer Summarizer
	counter    TokenCounter
	locks      *lockManager
}

// NewManager validates the configuration and wires the collaborators.
// summarizer may be nil, which selects the verbatim fold; counter may be nil,
// which selects the default token counter.
func NewManager(cfg Config, store Store, summarizer Summarizer, counter TokenCounter) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("memory: store is required")
	}
	if summarizer == nil {
		summarizer = VerbatimSummarizer{}
	}
	if counter == nil {
		counter = DefaultTokenCounter()
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		summarizer: summarizer,
		counter:    counter,
		locks:      newLockManager(),
	}, nil
}

// Context returns the read-side view for prompt assembly. A missing
// conversation yields an empty context.
func (m *Manager) Context(ctx context.Context, runID string) (Context, error) {
	state, err := m.store.Load(ctx, runID)
	if errors.Is(err, ErrConversationNotFound) {
		return Context{}, nil
	}
	if err != nil {
		return Context{}, err
	}
	return Context{Summary: state.Summary, Recent: state.Turns}, nil
}

// AppendTurn commits one turn and returns the resulting state.
func (m *Manager) AppendTurn(ctx context.Context, runID string, turn Turn) (*ConversationState, error) {
	return m.appendTurns(ctx, runID, []Turn{turn})
}

// AppendExchange commits a user turn and the assistant reply as one atomic
// update. State is only written after the full turn completes, so an aborted
// request never leaves a dangling user message.
func (m *Manager) AppendExchange(ctx context.Context, runID string, user, assistant Turn) (*ConversationState, error) {
	return m.appendTurns(ctx, runID, []Turn{user, assistant})
}

// Reset drops the conversation state for a run id.
func (m *Manager) Reset(ctx context.Context, runID string) error {
	lock := m.locks.forConversation(runID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Delete(ctx, runID)
}

func (m *Manager) appendTurns(ctx context.Context, runID string, turns []Turn) (*ConversationState, error) {
	lock := m.locks.forConversation(runID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.store.Load(ctx, runID)
	if errors.Is(err, ErrConversationNotFound) {
		state = &ConversationState{}
	} else if err != nil {
		return nil, fmt.Errorf("memory: load state for %s: %w", runID, err)
	}

	state.Turns = append(state.Turns, turns...)
	m.evict(ctx, state)
	if err := m.enforceBudget(ctx, state); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, runID, state); err != nil {
		return nil, fmt.Errorf("memory: save state for %s: %w", runID, err)
	}
	return state.Clone(), nil
}

// evict folds everything beyond the verbatim window into the summary. A
// summarizer failure falls back to the verbatim fold so evicted facts survive
// in uncompressed form.
func (m *Manager) evict(ctx context.Context, state *ConversationState) {
	if len(state.Turns) <= m.cfg.WindowSize {
		return
	}
	cut := len(state.Turns) - m.cfg.WindowSize
	evicted := state.Turns[:cut]
	state.Turns = append([]Turn(nil), state.Turns[cut:]...)

	summary, err := m.summarizer.Summarize(ctx, state.Summary, evicted)
	if err != nil {
		logger.FromContext(ctx).Warn("Summarization failed, folding evicted turns verbatim",
			"evicted_turns", len(evicted),
			"error", err,
		)
		summary = foldVerbatim(state.Summary, evicted)
	}
	state.Summary = summary
}

// enforceBudget truncates the summary from its oldest end until the state
// fits the token budget. Dropping verbatim turns, then truncating the sole
// remaining turn, is the last resort and is logged.
func (m *Manager) enforceBudget(ctx context.Context, state *ConversationState) error {
	turnTokens, err := m.turnTokens(ctx, state.Turns)
	if err != nil {
		return err
	}
	summaryTokens, err := m.counter.CountTokens(ctx, state.Summary)
	if err != nil {
		return fmt.Errorf("memory: count summary tokens: %w", err)
	}

	for summaryTokens+turnTokens > m.cfg.TokenBudget && state.Summary != "" {
		over := summaryTokens + turnTokens - m.cfg.TokenBudget
		state.Summary = trimHeadRunes(state.Summary, over*4)
		summaryTokens, err = m.counter.CountTokens(ctx, state.Summary)
		if err != nil {
			return fmt.Errorf("memory: count summary tokens: %w", err)
		}
	}
	if summaryTokens+turnTokens > m.cfg.TokenBudget {
		logger.FromContext(ctx).Warn("Token budget exceeded by verbatim turns, dropping oldest",
			"budget", m.cfg.TokenBudget,
			"turn_tokens", turnTokens,
		)
		for len(state.Turns) > 1 && turnTokens > m.cfg.TokenBudget {
			dropped := state.Turns[0]
			state.Turns = state.Turns[1:]
			cost, err := turnCost(ctx, m.counter, dropped)
			if err != nil {
				return err
			}
			turnTokens -= cost
		}
	}
	if len(state.Turns) == 1 && turnTokens > m.cfg.TokenBudget {
		logger.FromContext(ctx).Warn("Token budget exceeded by a single turn, truncating its content",
			"budget", m.cfg.TokenBudget,
			"turn_tokens", turnTokens,
		)
		for turnTokens > m.cfg.TokenBudget && state.Turns[0].Content != "" {
			over := turnTokens - m.cfg.TokenBudget
			state.Turns[0].Content = trimTailRunes(state.Turns[0].Content, over*4)
			turnTokens, err = m.turnTokens(ctx, state.Turns)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) turnTokens(ctx context.Context, turns []Turn) (int, error) {
	total := 0
	for _, turn := range turns {
		cost, err := turnCost(ctx, m.counter, turn)
		if err != nil {
			return 0, fmt.Errorf("memory: count turn tokens: %w", err)
		}
		total += cost
	}
	return total, nil
}

// trimHeadRunes drops n runes from the front of s, rune safe.
func trimHeadRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if n >= len(runes) {
		return ""
	}
	return string(runes[n:])
}

// trimTailRunes drops n runes from the end of s, rune safe.
func trimTailRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if n >= len(runes) {
		return ""
	}
	return string(runes[:len(runes)-n])
}
