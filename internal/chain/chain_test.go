package chain

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/veltrix-io/tichain/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, 0)
}

func batchFor(source string, n int) *model.DataPointBatch {
	now := time.Now().UTC()
	points := make([]model.DataPoint, n)
	for i := range points {
		points[i] = model.DataPoint{SequenceID: int64(i + 1), Value: float64(i), Timestamp: now.Add(time.Duration(i) * time.Second)}
	}
	return &model.DataPointBatch{BatchID: "batch-" + source, DataSourceID: source, CreatedAt: now, Points: points}
}

func TestCreateEntry_GenesisLinksToFixedHash(t *testing.T) {
	s := newTestStore(t)
	entry, err := s.CreateEntry(batchFor("src1", 3), "src1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), entry.Sequence)
	require.Equal(t, model.GenesisHash, entry.PreviousHash)
	require.NotEmpty(t, entry.ChainHash)
}

func TestCreateEntry_ChainsSequentially(t *testing.T) {
	s := newTestStore(t)
	first, err := s.CreateEntry(batchFor("src1", 2), "src1")
	require.NoError(t, err)
	second, err := s.CreateEntry(batchFor("src1", 2), "src1")
	require.NoError(t, err)

	require.Equal(t, uint64(2), second.Sequence)
	require.Equal(t, first.ChainHash, second.PreviousHash)
}

func TestCreateEntry_IndependentPerSource(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntry(batchFor("src1", 1), "src1")
	require.NoError(t, err)
	other, err := s.CreateEntry(batchFor("src2", 1), "src2")
	require.NoError(t, err)
	require.Equal(t, uint64(1), other.Sequence)
	require.Equal(t, model.GenesisHash, other.PreviousHash)
}

func TestValidate_GenesisAndContinuity(t *testing.T) {
	s := newTestStore(t)
	first, err := s.CreateEntry(batchFor("src1", 1), "src1")
	require.NoError(t, err)
	result, err := s.Validate(first)
	require.NoError(t, err)
	require.True(t, result.Valid)

	second, err := s.CreateEntry(batchFor("src1", 1), "src1")
	require.NoError(t, err)
	result, err = s.Validate(second)
	require.NoError(t, err)
	require.True(t, result.Valid)
}

func TestValidate_BrokenPreviousHash(t *testing.T) {
	s := newTestStore(t)
	first, err := s.CreateEntry(batchFor("src1", 1), "src1")
	require.NoError(t, err)

	tampered := *first
	tampered.Sequence = 2
	tampered.PreviousHash = "not-the-real-hash"
	result, err := s.Validate(&tampered)
	require.NoError(t, err)
	require.False(t, result.Valid)
}

func TestDetectGaps_FindsDiscontinuity(t *testing.T) {
	s := newTestStore(t)
	first, err := s.CreateEntry(batchFor("src1", 1), "src1")
	require.NoError(t, err)

	// Simulate a dropped sequence by hand-crafting entry 3 with entry 1's
	// hash as its previous-hash (sequence 2 never made it to the chain).
	broken := &model.ChainEntry{
		EntryID: "manual", DataSourceID: "src1", Sequence: 3, BatchID: "manual-batch",
		PreviousHash: first.ChainHash, DataHash: "dh", ChainHash: "ch",
		MinTimestamp: time.Now().UTC(), MaxTimestamp: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.putEntry(broken))

	gaps, err := s.DetectGaps("src1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, uint64(1), gaps[0].LastGoodSequence)
	require.Equal(t, uint64(3), gaps[0].FirstBadSequence)
	require.Equal(t, model.GapDetected, gaps[0].Status)
}

func TestDetectGaps_NoDuplicateOnRescan(t *testing.T) {
	s := newTestStore(t)
	first, err := s.CreateEntry(batchFor("src1", 1), "src1")
	require.NoError(t, err)
	broken := &model.ChainEntry{
		EntryID: "manual", DataSourceID: "src1", Sequence: 3, BatchID: "manual-batch",
		PreviousHash: first.ChainHash, DataHash: "dh", ChainHash: "ch",
		MinTimestamp: time.Now().UTC(), MaxTimestamp: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.putEntry(broken))

	from, to := time.Now().Add(-time.Hour), time.Now().Add(time.Hour)
	first_, err := s.DetectGaps("src1", from, to)
	require.NoError(t, err)
	require.Len(t, first_, 1)

	second, err := s.DetectGaps("src1", from, to)
	require.NoError(t, err)
	require.Empty(t, second, "already-known gaps must not be re-reported")
}

func TestCheckpoint_AdvancesSequenceWithNote(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntry(batchFor("src1", 2), "src1")
	require.NoError(t, err)
	cp, err := s.Checkpoint("src1", "operator maintenance window")
	require.NoError(t, err)
	require.Equal(t, uint64(2), cp.Sequence)
	require.Equal(t, "operator maintenance window", cp.CheckpointNote)
}

func TestGetLastEntry_NilForUnknownSource(t *testing.T) {
	s := newTestStore(t)
	last, err := s.GetLastEntry("never-seen")
	require.NoError(t, err)
	require.Nil(t, last)
}
