package workspace

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAliasPrefix(t *testing.T) {
	tests := []struct {
		alias string
		want  string
	}{
		{"alice", "alice"},
		{"alice-agent", "alice"},
		{"alice-reviewer", "alice"},
		{"bob-02", "bob-02"},
		{"bob-02-reviewer", "bob-02"},
		{"charlie-senior-reviewer", "charlie"},
		{"x", "x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, aliasPrefix(tt.alias), "alias %q", tt.alias)
	}
}

type fakePgError struct{ code string }

func (e *fakePgError) Error() string    { return fmt.Sprintf("SQLSTATE %s", e.code) }
func (e *fakePgError) SQLState() string { return e.code }

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&fakePgError{code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &fakePgError{code: "23505"})))
	assert.False(t, isUniqueViolation(&fakePgError{code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain error")))
	assert.False(t, isUniqueViolation(nil))
}
