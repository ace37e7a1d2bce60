package model

import "time"

// CurrentValue is the latest known (timestamp, value, quality) for a point
// sequence id (§3, C9). The cache enforces the monotone-timestamp invariant:
// a write bearing an older timestamp than what is stored is rejected.
type CurrentValue struct {
	SequenceID int64
	Timestamp  time.Time
	Value      float64
	Quality    Quality
}

// NewerThan reports whether v should replace existing under the §3 monotone
// invariant (strictly newer timestamp wins; ties keep the existing value).
func (v CurrentValue) NewerThan(existing *CurrentValue) bool {
	return existing == nil || v.Timestamp.After(existing.Timestamp)
}

// IdempotencyRecord marks a batch id as durably applied (§3, C7).
type IdempotencyRecord struct {
	BatchID         string
	FirstProcessedAt time.Time
	TTL             time.Duration
}
