package guardrail

import (
	"errors"
	"sort"
	"strings"
)

// PatternScreen is the deterministic layer of the security gate. It compiles
// the configured attack signatures into an Aho–Corasick automaton once, then
// reports every signature occurrence in a single left-to-right pass over the
// input, independent of how many signatures are configured.
//
// The automaton is immutable after construction and safe for concurrent use.
type PatternScreen struct {
	patterns []string
	nodes    []acNode
}

type acNode struct {
	children map[byte]int32
	fail     int32
	// outputs holds indexes into patterns for every signature ending here,
	// including signatures inherited through fail links.
	outputs []int32
}

// NewPatternScreen builds the automaton from the given signatures.
// Matching is case-insensitive: signatures and scanned text are lower-cased.
// Empty and duplicate signatures are rejected so match sets stay unambiguous.
func NewPatternScreen(signatures []string) (*PatternScreen, error) {
	patterns := make([]string, 0, len(signatures))
	seen := make(map[string]struct{}, len(signatures))
	for _, raw := range signatures {
		sig := strings.ToLower(strings.TrimSpace(raw))
		if sig == "" {
			return nil, errors.New("guardrail: empty attack signature")
		}
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		patterns = append(patterns, sig)
	}
	s := &PatternScreen{
		patterns: patterns,
		nodes:    []acNode{{children: make(map[byte]int32)}},
	}
	for i, sig := range patterns {
		s.insert(sig, int32(i))
	}
	s.buildFailLinks()
	return s, nil
}

func (s *PatternScreen) insert(sig string, idx int32) {
	cur := int32(0)
	for i := 0; i < len(sig); i++ {
		b := sig[i]
		next, ok := s.nodes[cur].children[b]
		if !ok {
			next = int32(len(s.nodes))
			s.nodes = append(s.nodes, acNode{children: make(map[byte]int32)})
			s.nodes[cur].children[b] = next
		}
		cur = next
	}
	s.nodes[cur].outputs = append(s.nodes[cur].outputs, idx)
}

// buildFailLinks wires the failure function breadth-first and merges output
// sets so the scan never has to walk fail chains per position.
func (s *PatternScreen) buildFailLinks() {
	queue := make([]int32, 0, len(s.nodes))
	for _, child := range s.nodes[0].children {
		s.nodes[child].fail = 0
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for b, child := range s.nodes[cur].children {
			fail := s.nodes[cur].fail
			for {
				if next, ok := s.nodes[fail].children[b]; ok {
					fail = next
					break
				}
				if fail == 0 {
					break
				}
				fail = s.nodes[fail].fail
			}
			s.nodes[child].fail = fail
			s.nodes[child].outputs = append(s.nodes[child].outputs, s.nodes[fail].outputs...)
			queue = append(queue, child)
		}
	}
}

// Screen scans text and returns the distinct matched signatures in
// deterministic (sorted) order. An empty result means no signature occurred.
func (s *PatternScreen) Screen(text string) []string {
	if len(s.patterns) == 0 || text == "" {
		return nil
	}
	lowered := strings.ToLower(text)
	matched := make(map[int32]struct{})
	cur := int32(0)
	for i := 0; i < len(lowered); i++ {
		b := lowered[i]
		for {
			if next, ok := s.nodes[cur].children[b]; ok {
				cur = next
				break
			}
			if cur == 0 {
				break
			}
			cur = s.nodes[cur].fail
		}
		for _, out := range s.nodes[cur].outputs {
			matched[out] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return nil
	}
	result := make([]string, 0, len(matched))
	for idx := range matched {
		result = append(result, s.patterns[idx])
	}
	sort.Strings(result)
	return result
}

// Size returns the number of compiled signatures.
func (s *PatternScreen) Size() int {
	return len(s.patterns)
}
