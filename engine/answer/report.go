package answer

import (
	"regexp"
	"strings"
)

// Finding is one parsed metric record from a batch extraction response. The
// extraction prompt demands one block per question:
//
//	<METRIC_ID>:
//	Answer: <verbatim statement or the abstention phrase>
//	Page: <page number or 'N/A'>
//	Evidence: "<exact quote>"
type Finding struct {
	MetricID string `json:"metric_id"`
	Answer   string `json:"answer,omitempty"`
	Page     string `json:"page,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

// Disclosed reports whether the metric was actually found in the report.
func (f Finding) Disclosed() bool {
	return f.Answer != "" && f.Answer != AbstentionText
}

// metricHeader matches block starts like "GHG_01:" or "W_12:" at the
// beginning of a line.
var metricHeader = regexp.MustCompile(`(?m)^[A-Z]{1,3}_[0-9]{2}:`)

// ParseFindings splits a raw batch extraction response into structured
// findings. Lines outside a metric block are ignored; a block keeps the last
// value for a repeated field.
func ParseFindings(raw string) []Finding {
	raw = strings.TrimSpace(raw)
	starts := metricHeader.FindAllStringIndex(raw, -1)
	findings := make([]Finding, 0, len(starts))
	for i, loc := range starts {
		end := len(raw)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		findings = append(findings, parseBlock(raw[loc[0]:end]))
	}
	return findings
}

func parseBlock(block string) Finding {
	lines := strings.Split(block, "\n")
	finding := Finding{MetricID: strings.SplitN(strings.TrimSpace(lines[0]), ":", 2)[0]}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Answer:"):
			finding.Answer = strings.TrimSpace(strings.TrimPrefix(line, "Answer:"))
		case strings.HasPrefix(line, "Page:"):
			finding.Page = strings.TrimSpace(strings.TrimPrefix(line, "Page:"))
		case strings.HasPrefix(line, "Evidence:"):
			finding.Evidence = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "Evidence:")), `"`)
		}
	}
	return finding
}
