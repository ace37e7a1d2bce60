package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veltrix-io/tichain/internal/model"
)

func TestDataHash_Deterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []model.DataPoint{
		{SequenceID: 1, PointName: "p1", Value: 1.5, Timestamp: now, Quality: model.QualityGood},
		{SequenceID: 2, PointName: "p2", Value: 2.5, Timestamp: now.Add(time.Second), Quality: model.QualityBad},
	}
	require.Equal(t, dataHash(points), dataHash(points))
}

func TestDataHash_SensitiveToOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := []model.DataPoint{
		{SequenceID: 1, Value: 1, Timestamp: now},
		{SequenceID: 2, Value: 2, Timestamp: now},
	}
	b := []model.DataPoint{
		{SequenceID: 2, Value: 2, Timestamp: now},
		{SequenceID: 1, Value: 1, Timestamp: now},
	}
	require.NotEqual(t, dataHash(a), dataHash(b))
}

func TestChainHashOf_SensitiveToEveryField(t *testing.T) {
	base := chainHashOf(model.GenesisHash, "batch-1", 3, 100, 200, "deadbeef")
	require.NotEqual(t, base, chainHashOf("different-prev", "batch-1", 3, 100, 200, "deadbeef"))
	require.NotEqual(t, base, chainHashOf(model.GenesisHash, "batch-2", 3, 100, 200, "deadbeef"))
	require.NotEqual(t, base, chainHashOf(model.GenesisHash, "batch-1", 4, 100, 200, "deadbeef"))
	require.NotEqual(t, base, chainHashOf(model.GenesisHash, "batch-1", 3, 101, 200, "deadbeef"))
	require.NotEqual(t, base, chainHashOf(model.GenesisHash, "batch-1", 3, 100, 201, "deadbeef"))
	require.NotEqual(t, base, chainHashOf(model.GenesisHash, "batch-1", 3, 100, 200, "different-data-hash"))
}

func TestKeccak_64HexChars(t *testing.T) {
	h := keccak([]byte("hello"))
	require.Len(t, h, 64)
}
