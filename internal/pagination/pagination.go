// Package pagination provides cursor-based pagination shared by the
// list endpoints: opaque base64 cursors, limit clamping, and a common
// response shape of {items, has_more, next_cursor}.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	// DefaultLimit applies when the client does not request a page size.
	DefaultLimit = 50
	// MaxLimit caps the page size.
	MaxLimit = 200
	// MaxCursorSize bounds the cursor to avoid decoding hostile input.
	MaxCursorSize = 8192
)

// EncodeCursor packs pagination state (e.g. last id and timestamp) into
// a URL-safe string.
func EncodeCursor(state map[string]string) string {
	raw, _ := json.Marshal(state)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor unpacks a cursor produced by EncodeCursor. A missing
// cursor decodes to nil.
func DecodeCursor(cursor string) (map[string]string, error) {
	if cursor == "" {
		return nil, nil
	}
	if len(cursor) > MaxCursorSize {
		return nil, fmt.Errorf("invalid cursor: exceeds maximum size of %d bytes", MaxCursorSize)
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		// Tolerate padded cursors from older clients.
		raw, err = base64.URLEncoding.DecodeString(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: malformed encoding")
		}
	}
	if len(raw) > MaxCursorSize {
		return nil, fmt.Errorf("invalid cursor: decoded data exceeds maximum size")
	}

	var state map[string]string
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("invalid cursor: malformed data")
	}
	return state, nil
}

// ValidateParams clamps the limit to [1, MaxLimit] and decodes the
// cursor; a malformed cursor is the only error.
func ValidateParams(limit int, cursor string) (int, map[string]string, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	state, err := DecodeCursor(cursor)
	if err != nil {
		return 0, nil, err
	}
	return limit, state, nil
}
