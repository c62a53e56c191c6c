package jsonl

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	records, err := Parse(`{"id":"bd-1","status":"open"}
{"id":"bd-2","status":"in_progress"}`)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "bd-1", records[0]["id"])
	assert.Equal(t, "in_progress", records[1]["status"])
}

func TestParseSkipsEmptyLines(t *testing.T) {
	records, err := Parse("\n{\"id\":\"bd-1\"}\n\n   \n{\"id\":\"bd-2\"}\n")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestParseEmptyContent(t *testing.T) {
	records, err := Parse("")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse("{\"id\":\"bd-1\"}\nnot json")
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Line)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParsePreservesNumbers(t *testing.T) {
	records, err := Parse(`{"priority":2}`)
	require.NoError(t, err)
	// UseNumber keeps integers intact instead of converting to float64.
	assert.Equal(t, "2", fmt.Sprint(records[0]["priority"]))
}

func TestParseDepthLimit(t *testing.T) {
	deep := strings.Repeat(`{"a":`, MaxDepth+1) + "1" + strings.Repeat("}", MaxDepth+1)
	_, err := Parse(deep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")

	shallow := `{"a":{"b":{"c":1}}}`
	_, err = Parse(shallow)
	assert.NoError(t, err)
}

func TestParseCountLimit(t *testing.T) {
	var sb strings.Builder
	for i := 0; i <= MaxCount; i++ {
		sb.WriteString(`{"id":"x"}` + "\n")
	}
	_, err := Parse(sb.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many records")
}
