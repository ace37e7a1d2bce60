package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/veltrix-io/tichain/internal/chain"
	"github.com/veltrix-io/tichain/internal/model"
	"github.com/veltrix-io/tichain/internal/producer"
	"github.com/veltrix-io/tichain/internal/shadow"
)

type fakeBroker struct {
	publishErr error
	published  []*model.DataPointBatch
}

func (f *fakeBroker) Publish(ctx context.Context, batch *model.DataPointBatch, msgID string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, batch)
	return nil
}

func newTestSetup(t *testing.T) (*chain.Store, *shadow.Store, *producer.Wrapper, *fakeBroker) {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	chainStore := chain.NewStore(db, 0)
	shadowStore := shadow.NewStore(db, time.Hour)
	b := &fakeBroker{}
	wrapper := &producer.Wrapper{Shadow: shadowStore, Chain: chainStore, Broker: b}
	return chainStore, shadowStore, wrapper, b
}

func batchAt(source string, ts time.Time) *model.DataPointBatch {
	return &model.DataPointBatch{
		BatchID: "batch-" + ts.String(), DataSourceID: source, CreatedAt: ts,
		Points: []model.DataPoint{{SequenceID: 1, Value: 1, Timestamp: ts}},
	}
}

func TestScanSource_NoOpenGaps_NothingRecovered(t *testing.T) {
	chainStore, _, wrapper, b := newTestSetup(t)
	_, err := wrapper.PublishBatch(context.Background(), batchAt("src1", time.Now().UTC()))
	require.NoError(t, err)

	ctrl := New(chainStore, nil, wrapper, nil, nil, time.Minute, 24*time.Hour, func() []string { return []string{"src1"} })
	require.NoError(t, ctrl.ScanSource(context.Background(), "src1"))
	require.Len(t, b.published, 1, "only the original live publish, no replay")
}

func TestScanSource_RecoversOpenGapFromShadowBuffer(t *testing.T) {
	chainStore, shadowStore, wrapper, b := newTestSetup(t)
	ts := time.Now().UTC()
	_, err := wrapper.PublishBatch(context.Background(), batchAt("src1", ts))
	require.NoError(t, err)
	require.Len(t, b.published, 1)

	gap := &model.ChainGap{
		GapID: uuid.NewString(), DataSourceID: "src1",
		LastGoodSequence: 0, FirstBadSequence: 1,
		GapStart: ts.Add(-time.Minute), GapEnd: ts.Add(time.Minute),
		DetectedAt: time.Now().UTC(), Status: model.GapDetected,
	}
	require.NoError(t, chainStore.PutGap(gap))

	ctrl := New(chainStore, shadowStore, wrapper, nil, nil, time.Minute, 24*time.Hour, func() []string { return []string{"src1"} })
	require.NoError(t, ctrl.ScanSource(context.Background(), "src1"))

	require.Len(t, b.published, 2, "the gap-covering batch must be replayed through the broker")

	open, err := chainStore.ListOpenGaps("src1")
	require.NoError(t, err)
	require.Empty(t, open, "a recovered gap is terminal and drops out of the open-gap list")
}

func TestScanSource_GapWithNoShadowData_FailsButStaysOpenForRetry(t *testing.T) {
	chainStore, shadowStore, wrapper, b := newTestSetup(t)

	// A gap whose window has no corresponding shadow history at all: no
	// batch was ever published covering it.
	farFuture := time.Now().UTC().Add(365 * 24 * time.Hour)
	gap := &model.ChainGap{
		GapID: uuid.NewString(), DataSourceID: "src1",
		LastGoodSequence: 5, FirstBadSequence: 7,
		GapStart: farFuture, GapEnd: farFuture.Add(time.Minute),
		DetectedAt: time.Now().UTC(), Status: model.GapDetected,
	}
	require.NoError(t, chainStore.PutGap(gap))

	ctrl := New(chainStore, shadowStore, wrapper, nil, nil, time.Minute, 24*time.Hour, func() []string { return []string{"src1"} })
	require.NoError(t, ctrl.ScanSource(context.Background(), "src1"))
	require.Empty(t, b.published, "nothing to replay, so no publish attempt")

	open, err := chainStore.ListOpenGaps("src1")
	require.NoError(t, err)
	require.Len(t, open, 1, "a failed gap is not terminal, so it stays open for the next scan to retry")
	require.Equal(t, model.GapFailed, open[0].Status)
	require.Equal(t, 1, open[0].RecoveryAttempts)
	require.NotEmpty(t, open[0].LastError)
}
