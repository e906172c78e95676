package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Question is one metric extraction target from a question set. Questions
// sharing a Batch value are answered together in a single extraction call.
type Question struct {
	ID       string `json:"id"`
	Batch    string `json:"batch"`
	Question string `json:"question"`
}

// LoadQuestionsByBatch reads a JSONL question set and groups it by batch.
// Blank lines are skipped; a line that is not valid JSON fails the whole
// load.
func LoadQuestionsByBatch(r io.Reader) (map[string][]Question, error) {
	batches := make(map[string][]Question)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var q Question
		if err := json.Unmarshal([]byte(text), &q); err != nil {
			return nil, fmt.Errorf("audit: parse question line %d: %w", line, err)
		}
		if q.ID == "" || q.Batch == "" || q.Question == "" {
			return nil, fmt.Errorf("audit: question line %d: id, batch and question are required", line)
		}
		batches[q.Batch] = append(batches[q.Batch], q)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read question set: %w", err)
	}
	return batches, nil
}

// batchNames returns the batch keys in deterministic order.
func batchNames(batches map[string][]Question) []string {
	names := make([]string, 0, len(batches))
	for name := range batches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
