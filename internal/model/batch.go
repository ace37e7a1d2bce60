package model

import (
	"math"
	"time"
)

// DataPoint is a single in-flight sample (§3). JSON field names match the
// Producer API's documented wire schema (§6): the on-the-wire
// "pointSequenceId" maps onto SequenceID, which is 0 ("unresolved") until a
// connector caches a previously-assigned id or the pipeline resolves one by
// name.
type DataPoint struct {
	SequenceID    int64     `json:"pointSequenceId"`
	PointName     string    `json:"pointName"`
	Timestamp     time.Time `json:"timestamp"`
	Value         float64   `json:"value"`
	Quality       Quality   `json:"quality"`
	SourceAddress string    `json:"sourceAddress,omitempty"`
}

// Resolved reports whether the sample already carries a durable sequence id.
func (d *DataPoint) Resolved() bool {
	return d.SequenceID > 0
}

// Valid reports the basic §3 invariant: a point must be addressable (by
// sequence id or name) and carry a finite value.
func (d *DataPoint) Valid() bool {
	if d.SequenceID <= 0 && d.PointName == "" {
		return false
	}
	return !math.IsNaN(d.Value) && !math.IsInf(d.Value, 0)
}

// DataPointBatch is the unit of publish/commit (§3). JSON field names match
// the Producer API's documented wire schema (§6).
type DataPointBatch struct {
	BatchID      string      `json:"batchId"`
	DataSourceID string      `json:"dataSourceId"`
	CreatedAt    time.Time   `json:"createdAt"`
	Points       []DataPoint `json:"points"`
}

// MinMaxTimestamp returns the min/max timestamp across the batch's points.
// Returns the zero time twice for an empty batch.
func (b *DataPointBatch) MinMaxTimestamp() (min, max time.Time) {
	if len(b.Points) == 0 {
		return time.Time{}, time.Time{}
	}
	min, max = b.Points[0].Timestamp, b.Points[0].Timestamp
	for _, p := range b.Points[1:] {
		if p.Timestamp.Before(min) {
			min = p.Timestamp
		}
		if p.Timestamp.After(max) {
			max = p.Timestamp
		}
	}
	return min, max
}

// LatestPerSequence picks, for every resolved sequence id present in the
// batch, the point with the maximum timestamp; ties break to the later
// point in batch order (§4.10 tie-break rule).
func (b *DataPointBatch) LatestPerSequence() map[int64]DataPoint {
	out := make(map[int64]DataPoint)
	for _, p := range b.Points {
		if !p.Resolved() {
			continue
		}
		cur, ok := out[p.SequenceID]
		if !ok || !p.Timestamp.Before(cur.Timestamp) {
			out[p.SequenceID] = p
		}
	}
	return out
}
