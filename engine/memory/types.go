package memory

import "strings"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one verbatim conversation message.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationState is the persisted memory for one run. Turns holds the most
// recent messages verbatim; Summary is the compressed representation of every
// evicted turn. Older facts are only ever compressed into Summary, never
// silently dropped.
type ConversationState struct {
	Summary string `json:"summary,omitempty"`
	Turns   []Turn `json:"turns,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return &ConversationState{}
	}
	out := &ConversationState{Summary: s.Summary}
	if len(s.Turns) > 0 {
		out.Turns = make([]Turn, len(s.Turns))
		copy(out.Turns, s.Turns)
	}
	return out
}

// Context is the read-side view handed to answer synthesis.
type Context struct {
	Summary string
	Recent  []Turn
}

// Render flattens the context into a prompt block. Empty when the
// conversation has no history.
func (c Context) Render() string {
	var b strings.Builder
	if c.Summary != "" {
		b.WriteString("Conversation summary: ")
		b.WriteString(c.Summary)
		b.WriteString("\n")
	}
	for _, turn := range c.Recent {
		b.WriteString(string(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
