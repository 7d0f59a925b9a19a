package store

import "time"

// Timestamps are persisted as REAL columns holding fractional Unix seconds.
// Keeping the conversion in one place avoids drift between the queue and
// dead-letter readers.

// Epoch converts a time to its stored representation.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromEpoch converts a stored timestamp back to a time in UTC.
func FromEpoch(f float64) time.Time {
	return time.Unix(0, int64(f*1e9)).UTC()
}
