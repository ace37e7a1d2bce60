// Package chain implements the per-source Temporal Integrity Chain (C4):
// an append-only, hash-linked log of batch digests backed by the same
// Pebble handle the shadow buffer uses (§4.4, §6).
package chain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/veltrix-io/tichain/internal/model"
)

// Store appends and validates chain entries. Sequence numbers are strictly
// monotonic per source; concurrent appends for the same source are
// serialized by a striped in-process mutex standing in for the "atomic
// compare-and-set on the last record" contract of §5 — a single daemon
// process is the sole writer of this Pebble handle, so a mutex gives the
// same effective exclusion as a DB-side CAS would.
type Store struct {
	db              *pebble.DB
	retainedHistory uint64

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewStore wraps an already-open Pebble handle. db is shared with the
// shadow buffer (internal/shadow) — both components live in one embedded
// database file per host (§6).
func NewStore(db *pebble.DB, retainedHistory uint64) *Store {
	if retainedHistory == 0 {
		retainedHistory = 10000
	}
	return &Store{db: db, retainedHistory: retainedHistory, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) sourceLock(source string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[source]
	if !ok {
		m = &sync.Mutex{}
		s.locks[source] = m
	}
	return m
}

// CreateEntry appends the next chain entry for source, deriving sequence
// and previous-hash from the stored last entry (§4.4).
func (s *Store) CreateEntry(batch *model.DataPointBatch, source string) (*model.ChainEntry, error) {
	lock := s.sourceLock(source)
	lock.Lock()
	defer lock.Unlock()
	return s.createEntryLocked(batch, source, "")
}

// createEntryLocked builds, writes, and returns the next chain entry for
// source. Caller must hold source's lock. checkpointNote is stamped onto the
// entry before the single write, so a checkpoint never needs a second,
// separately-locked write.
func (s *Store) createEntryLocked(batch *model.DataPointBatch, source, checkpointNote string) (*model.ChainEntry, error) {
	last, err := s.getLastLocked(source)
	if err != nil {
		return nil, fmt.Errorf("read last chain entry: %w", err)
	}

	seq := uint64(1)
	prevHash := model.GenesisHash
	if last != nil {
		seq = last.Sequence + 1
		prevHash = last.ChainHash
	}

	minTS, maxTS := batch.MinMaxTimestamp()
	dh := dataHash(batch.Points)
	ch := chainHashOf(prevHash, batch.BatchID, len(batch.Points), minTS.UnixNano(), maxTS.UnixNano(), dh)

	entry := &model.ChainEntry{
		EntryID:        uuid.NewString(),
		DataSourceID:   source,
		Sequence:       seq,
		BatchID:        batch.BatchID,
		PointCount:     len(batch.Points),
		MinTimestamp:   minTS,
		MaxTimestamp:   maxTS,
		CreatedAt:      time.Now().UTC(),
		PreviousHash:   prevHash,
		DataHash:       dh,
		ChainHash:      ch,
		CheckpointNote: checkpointNote,
	}

	if err := s.putEntryLocked(entry); err != nil {
		return nil, err
	}
	go s.trimLocked(source) // best-effort, outside the write batch
	return entry, nil
}

// Checkpoint writes a marker entry (zero points) recording an operator-
// supplied reason, without advancing data semantics beyond the sequence.
// The read of the last entry and the write of the new one happen under a
// single hold of source's lock, so a concurrent publish for the same
// source can never land between them.
func (s *Store) Checkpoint(source, reason string) (*model.ChainEntry, error) {
	lock := s.sourceLock(source)
	lock.Lock()
	defer lock.Unlock()
	empty := &model.DataPointBatch{BatchID: "checkpoint-" + uuid.NewString(), DataSourceID: source, CreatedAt: time.Now().UTC()}
	return s.createEntryLocked(empty, source, reason)
}

// GetLastEntry returns the most recent chain entry for source, or nil if
// the source has never published.
func (s *Store) GetLastEntry(source string) (*model.ChainEntry, error) {
	lock := s.sourceLock(source)
	lock.Lock()
	defer lock.Unlock()
	return s.getLastLocked(source)
}

func (s *Store) getLastLocked(source string) (*model.ChainEntry, error) {
	v, closer, err := s.db.Get(lastKey(source))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var e model.ChainEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("decode last entry: %w", err)
	}
	return &e, nil
}

func (s *Store) putEntryLocked(entry *model.ChainEntry) error {
	return s.putEntry(entry)
}

func (s *Store) putEntry(entry *model.ChainEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode chain entry: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(entryKey(entry.DataSourceID, entry.Sequence), buf, nil); err != nil {
		return err
	}
	if err := batch.Set(lastKey(entry.DataSourceID), buf, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// GetEntry returns the entry at sequence seq for source, or nil if absent.
func (s *Store) GetEntry(source string, seq uint64) (*model.ChainEntry, error) {
	v, closer, err := s.db.Get(entryKey(source, seq))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var e model.ChainEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks entry's continuity against the previous entry at
// entry.Sequence-1 (§4.4). It only reports the result: no ChainGap is built
// or persisted here. DetectGaps does its own adjacent-entry comparison.
func (s *Store) Validate(entry *model.ChainEntry) (model.ValidationResult, error) {
	if entry.Sequence == 1 {
		if entry.PreviousHash != model.GenesisHash {
			return invalidGenesis(entry), nil
		}
		return model.ValidationResult{Valid: true, ExpectedSeq: 1, ActualSeq: entry.Sequence}, nil
	}
	prev, err := s.GetEntry(entry.DataSourceID, entry.Sequence-1)
	if err != nil {
		return model.ValidationResult{}, err
	}
	if prev == nil || prev.ChainHash != entry.PreviousHash {
		return model.ValidationResult{
			Valid:       false,
			ExpectedSeq: entry.Sequence - 1 + 1,
			ActualSeq:   entry.Sequence,
		}, nil
	}
	return model.ValidationResult{Valid: true, ExpectedSeq: entry.Sequence, ActualSeq: entry.Sequence}, nil
}

func invalidGenesis(entry *model.ChainEntry) model.ValidationResult {
	return model.ValidationResult{Valid: false, ExpectedSeq: 1, ActualSeq: entry.Sequence}
}

// DetectGaps scans entries for source created within [from,to] and returns
// newly detected ChainGaps for any break in sequence continuity (§4.11).
// Already-persisted gaps covering the same range are not duplicated.
func (s *Store) DetectGaps(source string, from, to time.Time) ([]*model.ChainGap, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: entryPrefix(source), UpperBound: prefixUpperBound(entryPrefix(source))})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var entries []*model.ChainEntry
	for it.First(); it.Valid(); it.Next() {
		var e model.ChainEntry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, err
		}
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		entries = append(entries, &e)
	}

	existing, err := s.listGaps(source)
	if err != nil {
		return nil, err
	}
	known := make(map[uint64]bool, len(existing))
	for _, g := range existing {
		known[g.LastGoodSequence] = true
	}

	var gaps []*model.ChainGap
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.Sequence == prev.Sequence+1 && cur.PreviousHash == prev.ChainHash {
			continue
		}
		if known[prev.Sequence] {
			continue
		}
		gap := &model.ChainGap{
			GapID:            uuid.NewString(),
			DataSourceID:     source,
			LastGoodSequence: prev.Sequence,
			FirstBadSequence: cur.Sequence,
			GapStart:         prev.MaxTimestamp,
			GapEnd:           cur.MinTimestamp,
			DetectedAt:       time.Now().UTC(),
			Status:           model.GapDetected,
		}
		if err := s.PutGap(gap); err != nil {
			return nil, err
		}
		gaps = append(gaps, gap)
	}
	return gaps, nil
}

// PutGap persists (inserts or updates) a ChainGap record.
func (s *Store) PutGap(gap *model.ChainGap) error {
	buf, err := json.Marshal(gap)
	if err != nil {
		return err
	}
	return s.db.Set(gapKey(gap.DataSourceID, gap.GapID), buf, pebble.Sync)
}

func (s *Store) listGaps(source string) ([]*model.ChainGap, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: gapPrefix(source), UpperBound: prefixUpperBound(gapPrefix(source))})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []*model.ChainGap
	for it.First(); it.Valid(); it.Next() {
		var g model.ChainGap
		if err := json.Unmarshal(it.Value(), &g); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, nil
}

// ListOpenGaps returns every non-terminal gap for source.
func (s *Store) ListOpenGaps(source string) ([]*model.ChainGap, error) {
	all, err := s.listGaps(source)
	if err != nil {
		return nil, err
	}
	var open []*model.ChainGap
	for _, g := range all {
		if !g.Status.Terminal() {
			open = append(open, g)
		}
	}
	return open, nil
}

// trimLocked deletes entries older than the retained-history bound for
// source. The "last" pointer is untouched, so continuity validation against
// the tip is unaffected by trimming (§4.4). Errors are swallowed: trimming
// is best-effort housekeeping, never load-bearing for correctness.
func (s *Store) trimLocked(source string) {
	last, err := s.GetLastEntry(source)
	if err != nil || last == nil || last.Sequence <= s.retainedHistory {
		return
	}
	cutoff := last.Sequence - s.retainedHistory + 1
	_ = s.db.DeleteRange(entryKey(source, 0), entryKey(source, cutoff), pebble.NoSync)
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // prefix was all 0xFF; unbounded
}
