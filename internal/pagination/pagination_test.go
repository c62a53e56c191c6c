package pagination

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	state := map[string]string{
		"created_at": "2026-01-02T15:04:05Z",
		"id":         "repo-42",
	}
	cursor := EncodeCursor(state)
	assert.NotContains(t, cursor, "=")

	decoded, err := DecodeCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestDecodeCursorEmpty(t *testing.T) {
	decoded, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodeCursorPadded(t *testing.T) {
	// Older clients may send standard URL-safe base64 with padding.
	raw := base64.URLEncoding.EncodeToString([]byte(`{"id":"x"}`))
	decoded, err := DecodeCursor(raw)
	require.NoError(t, err)
	assert.Equal(t, "x", decoded["id"])
}

func TestDecodeCursorMalformed(t *testing.T) {
	_, err := DecodeCursor("!!!not-base64!!!")
	assert.Error(t, err)

	notJSON := base64.RawURLEncoding.EncodeToString([]byte("not json"))
	_, err = DecodeCursor(notJSON)
	assert.Error(t, err)
}

func TestDecodeCursorTooLarge(t *testing.T) {
	_, err := DecodeCursor(strings.Repeat("A", MaxCursorSize+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum size")
}

func TestValidateParams(t *testing.T) {
	limit, state, err := ValidateParams(0, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, limit)
	assert.Nil(t, state)

	limit, _, err = ValidateParams(MaxLimit+50, "")
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, limit)

	limit, _, err = ValidateParams(25, "")
	require.NoError(t, err)
	assert.Equal(t, 25, limit)

	_, _, err = ValidateParams(25, "%%%")
	assert.Error(t, err)
}
