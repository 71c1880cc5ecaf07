package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OrderingMarker is the event-supplied value used to decide freshness.
// Timestamps are stored as Unix nanoseconds; integer sequences as-is.
// It carries no causal meaning and is never used as a task identity.
type OrderingMarker int64

// Timestamp markers must fall in [1970-01-01, 2262-04-11T23:47:16.854775807Z],
// the range where Unix nanoseconds fit a non-negative int64.
var (
	minMarkerTime = time.Unix(0, 0).UTC()
	maxMarkerTime = time.Unix(0, math.MaxInt64).UTC()
)

// ParseOrderingMarker parses a base-10 integer sequence or an RFC 3339 timestamp.
// Malformed input is a validation error, never a staleness decision.
func ParseOrderingMarker(raw string) (OrderingMarker, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: marker is empty", ErrInvalidMarker)
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: negative sequence %d", ErrInvalidMarker, n)
		}
		return OrderingMarker(n), nil
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is neither a sequence nor an RFC 3339 timestamp", ErrInvalidMarker, raw)
	}

	if ts.Before(minMarkerTime) || ts.After(maxMarkerTime) {
		return 0, fmt.Errorf("%w: timestamp %q outside %s..%s", ErrInvalidMarker, raw,
			minMarkerTime.Format(time.RFC3339), maxMarkerTime.Format(time.RFC3339))
	}

	return OrderingMarker(ts.UTC().UnixNano()), nil
}

// After reports whether m is strictly fresher than other.
func (m OrderingMarker) After(other OrderingMarker) bool {
	return m > other
}

// String renders the marker as its decimal value.
func (m OrderingMarker) String() string {
	return strconv.FormatInt(int64(m), 10)
}
