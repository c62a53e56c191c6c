// Package jsonl parses the newline-delimited JSON issue lists the bdh
// client uploads during sync.
package jsonl

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MaxDepth bounds per-record nesting.
	MaxDepth = 10
	// MaxCount bounds the number of records in one payload.
	MaxCount = 10000
)

// ParseError reports a parse failure with line context.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

// Parse decodes JSONL content into a list of objects. Empty lines are
// skipped; the record count and nesting depth limits fail fast.
func Parse(content string) ([]map[string]any, error) {
	var records []map[string]any
	for lineNum, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(records) >= MaxCount {
			return nil, &ParseError{Msg: fmt.Sprintf("too many records: exceeds limit of %d", MaxCount)}
		}

		var record map[string]any
		decoder := json.NewDecoder(strings.NewReader(line))
		decoder.UseNumber()
		if err := decoder.Decode(&record); err != nil {
			return nil, &ParseError{Line: lineNum + 1, Msg: fmt.Sprintf("invalid JSON object: %v", err)}
		}
		if !withinDepth(record, MaxDepth, 0) {
			return nil, &ParseError{Line: lineNum + 1, Msg: fmt.Sprintf("JSON nesting depth exceeds limit (%d)", MaxDepth)}
		}
		records = append(records, record)
	}
	return records, nil
}

func withinDepth(v any, maxDepth, depth int) bool {
	if depth >= maxDepth {
		return false
	}
	switch val := v.(type) {
	case map[string]any:
		for _, item := range val {
			if !withinDepth(item, maxDepth, depth+1) {
				return false
			}
		}
	case []any:
		for _, item := range val {
			if !withinDepth(item, maxDepth, depth+1) {
				return false
			}
		}
	}
	return true
}
