// Package pagination provides opaque cursors for key-ordered listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"sort"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const prefix = "after:"

// Encode returns an opaque cursor that resumes after key.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + key))
}

// Decode returns the key a cursor resumes after. Empty input decodes to "".
func Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) <= len(prefix) || string(raw[:len(prefix)]) != prefix {
		return "", ErrInvalidCursor
	}
	return string(raw[len(prefix):]), nil
}

// Page returns up to limit items whose key sorts after the cursor key, plus
// the cursor for the next page ("" when there is none). items must already
// be sorted by key.
func Page[T any](items []T, after string, limit int, key func(T) string) ([]T, string) {
	start := 0
	if after != "" {
		start = sort.Search(len(items), func(i int) bool { return key(items[i]) > after })
	}
	items = items[start:]
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(key(items[len(items)-1]))
}
