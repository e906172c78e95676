package answer

import "sort"

// AbstentionText is the exact phrase used when the evidence does not contain
// the requested information. The synthesis prompt demands it verbatim, and the
// report parser recognizes it downstream.
const AbstentionText = "Not disclosed in the report."

// Citation points at one evidence location. Citations only ever reference
// pages that appear in the evidence set handed to synthesis.
type Citation struct {
	Source string `json:"source"`
	Page   int    `json:"page"`
}

// Answer is the synthesis output. Grounded is true only when every citation
// was structurally validated against the supplied evidence.
type Answer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
	Grounded  bool       `json:"grounded"`
}

// Abstention is the canonical empty-evidence answer.
func Abstention() Answer {
	return Answer{Text: AbstentionText, Grounded: false}
}

func sortCitations(citations []Citation) {
	sort.Slice(citations, func(i, j int) bool {
		if citations[i].Source != citations[j].Source {
			return citations[i].Source < citations[j].Source
		}
		return citations[i].Page < citations[j].Page
	})
}
