// Package jsonutil collects small, defensive timestamp helpers shared by
// the normalizer and refresh packages. Grounded on the teacher's
// internal/syncx extraction helpers: never panic on an unexpected shape,
// return an explicit error (or nil for an empty optional value) and let
// the caller decide whether that's fatal.
package jsonutil

import (
	"fmt"
	"time"
)

// siscomexLayouts are the upstream's observed timestamp shapes, offset-aware
// first since spec.md §3 requires preserving the upstream's UTC offset.
var siscomexLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an upstream datetime string, trying each known
// layout in turn. Returns an error (never a zero time masquerading as
// success) when none match, so callers can classify the row as malformed
// rather than silently storing a wrong date.
func ParseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range siscomexLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("jsonutil: unrecognized timestamp %q: %w", s, lastErr)
}

// ParseOptionalTimestamp parses s unless it is empty, in which case it
// returns (nil, nil) — the upstream frequently omits deadline/expiry
// fields entirely rather than sending an empty string, but some endpoints
// do send "".
func ParseOptionalTimestamp(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
