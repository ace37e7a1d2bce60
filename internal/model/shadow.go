package model

import "time"

// ShadowEntry is a durable, local, pre-broker record of a published batch
// (§3, C3). SerializedBatch is the gzip-compressed JSON encoding of the
// DataPointBatch, exactly as it will be (or was) published to the broker.
type ShadowEntry struct {
	ShadowID        string
	DataSourceID    string
	BatchID         string
	ChainEntryID    string // empty if the chain entry was never created
	PointCount      int
	SerializedBatch []byte
	BufferedAt      time.Time
	ConfirmedAt     *time.Time // nil if unconfirmed
	MinTimestamp    time.Time
	MaxTimestamp    time.Time
}

// Unconfirmed reports whether this entry is still pending downstream
// confirmation (and therefore must never be purged).
func (s *ShadowEntry) Unconfirmed() bool {
	return s.ConfirmedAt == nil
}

// ShadowStats summarizes buffer occupancy per source (C3.Stats).
type ShadowStats struct {
	DataSourceID  string
	TotalEntries  int
	Unconfirmed   int
	StorageBytes  int64
	OldestBuffer  time.Time
	NewestBuffer  time.Time
}
