// Package shadow implements the producer-side durable shadow buffer (C3):
// a local, crash-resistant record of every batch handed to the broker
// producer, kept until broker delivery is confirmed and then until the
// retention window after confirmation elapses (§4.3). It shares the Pebble handle used by
// internal/chain, matching the teacher's pattern of one embedded KV store
// holding several logically distinct key spaces.
package shadow

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/veltrix-io/tichain/internal/model"
)

// Store persists ShadowEntry records. Serialized batches are gzip
// compressed before being written (the teacher compresses broker payloads
// the same way via klauspost/compress; here the shadow copy is what pays
// the cost since it is the long-lived copy, not the wire payload).
type Store struct {
	db        *pebble.DB
	retention time.Duration
}

func NewStore(db *pebble.DB, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Store{db: db, retention: retention}
}

// Buffer writes batch durably before it is handed to the broker producer,
// returning the ShadowEntry recording it (§4.12 step order: buffer before
// publish).
func (s *Store) Buffer(batch *model.DataPointBatch, chainEntryID string) (*model.ShadowEntry, error) {
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	compressed, err := gzipCompress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}

	minTS, maxTS := batch.MinMaxTimestamp()
	entry := &model.ShadowEntry{
		ShadowID:        uuid.NewString(),
		DataSourceID:    batch.DataSourceID,
		BatchID:         batch.BatchID,
		ChainEntryID:    chainEntryID,
		PointCount:      len(batch.Points),
		SerializedBatch: compressed,
		BufferedAt:      time.Now().UTC(),
		MinTimestamp:    minTS,
		MaxTimestamp:    maxTS,
	}

	buf, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode shadow entry: %w", err)
	}
	if err := s.db.Set(shadowKey(entry.DataSourceID, entry.BufferedAt, entry.ShadowID), buf, pebble.Sync); err != nil {
		return nil, fmt.Errorf("persist shadow entry: %w", err)
	}
	return entry, nil
}

// Confirm marks shadowID as broker-acknowledged. Confirmed entries remain
// readable until PurgeExpired reclaims them, so a recovery scan started
// just after confirmation still sees a consistent picture.
func (s *Store) Confirm(source, shadowID string, bufferedAt time.Time) error {
	key := shadowKey(source, bufferedAt, shadowID)
	v, closer, err := s.db.Get(key)
	if err != nil {
		return fmt.Errorf("lookup shadow entry: %w", err)
	}
	defer closer.Close()

	var entry model.ShadowEntry
	if err := json.Unmarshal(v, &entry); err != nil {
		return fmt.Errorf("decode shadow entry: %w", err)
	}
	now := time.Now().UTC()
	entry.ConfirmedAt = &now

	buf, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	return s.db.Set(key, buf, pebble.Sync)
}

// GetUnconfirmed returns every entry for source that has not been
// confirmed, oldest first — the candidate set for gap recovery replay.
func (s *Store) GetUnconfirmed(source string) ([]*model.ShadowEntry, error) {
	all, err := s.scan(source)
	if err != nil {
		return nil, err
	}
	var out []*model.ShadowEntry
	for _, e := range all {
		if e.Unconfirmed() {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetForRecovery returns entries for source whose batch window overlaps
// [from, to], confirmed or not — recovery replays whatever shadow history
// covers a detected gap, since a broker ack does not guarantee the
// consumer side ever durably wrote the batch (§4.11).
func (s *Store) GetForRecovery(source string, from, to time.Time) ([]*model.ShadowEntry, error) {
	all, err := s.scan(source)
	if err != nil {
		return nil, err
	}
	var out []*model.ShadowEntry
	for _, e := range all {
		if e.MaxTimestamp.Before(from) || e.MinTimestamp.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// DecodeBatch restores the original DataPointBatch from a ShadowEntry.
func DecodeBatch(entry *model.ShadowEntry) (*model.DataPointBatch, error) {
	raw, err := gzipDecompress(entry.SerializedBatch)
	if err != nil {
		return nil, fmt.Errorf("decompress batch: %w", err)
	}
	var batch model.DataPointBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &batch, nil
}

// PurgeExpired deletes confirmed entries older than the retention window.
// Unconfirmed entries are never purged regardless of age — an unconfirmed
// entry means the broker never durably accepted the batch, so it must
// stay available for manual or automatic recovery until confirmed.
func (s *Store) PurgeExpired(source string) (int, error) {
	all, err := s.scan(source)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-s.retention)
	batch := s.db.NewBatch()
	defer batch.Close()
	purged := 0
	for _, e := range all {
		if e.Unconfirmed() || e.ConfirmedAt.After(cutoff) {
			continue
		}
		if err := batch.Delete(shadowKey(e.DataSourceID, e.BufferedAt, e.ShadowID), nil); err != nil {
			return purged, err
		}
		purged++
	}
	if purged == 0 {
		return 0, nil
	}
	return purged, batch.Commit(pebble.Sync)
}

// Stats summarizes the shadow buffer state for source.
func (s *Store) Stats(source string) (model.ShadowStats, error) {
	all, err := s.scan(source)
	if err != nil {
		return model.ShadowStats{}, err
	}
	stats := model.ShadowStats{DataSourceID: source}
	for _, e := range all {
		stats.TotalEntries++
		if e.Unconfirmed() {
			stats.Unconfirmed++
		}
		stats.StorageBytes += int64(len(e.SerializedBatch))
		if stats.OldestBuffer.IsZero() || e.BufferedAt.Before(stats.OldestBuffer) {
			stats.OldestBuffer = e.BufferedAt
		}
		if e.BufferedAt.After(stats.NewestBuffer) {
			stats.NewestBuffer = e.BufferedAt
		}
	}
	return stats, nil
}

func (s *Store) scan(source string) ([]*model.ShadowEntry, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: shadowPrefix(source), UpperBound: prefixUpperBound(shadowPrefix(source))})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []*model.ShadowEntry
	for it.First(); it.Valid(); it.Next() {
		var e model.ShadowEntry
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

func gzipCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
