package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/veltrix-io/tichain/internal/chain"
	"github.com/veltrix-io/tichain/internal/model"
	"github.com/veltrix-io/tichain/internal/shadow"
)

type fakeBroker struct {
	publishErr error
	calls      []string
}

func (f *fakeBroker) Publish(ctx context.Context, batch *model.DataPointBatch, msgID string) error {
	f.calls = append(f.calls, msgID)
	return f.publishErr
}

func newWrapper(t *testing.T, b Broker) (*Wrapper, *chain.Store, *shadow.Store) {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	chainStore := chain.NewStore(db, 0)
	shadowStore := shadow.NewStore(db, time.Hour)
	return &Wrapper{Shadow: shadowStore, Chain: chainStore, Broker: b}, chainStore, shadowStore
}

func testBatch() *model.DataPointBatch {
	now := time.Now().UTC()
	return &model.DataPointBatch{
		BatchID: "b1", DataSourceID: "src1", CreatedAt: now,
		Points: []model.DataPoint{{SequenceID: 1, Value: 1, Timestamp: now}},
	}
}

func TestPublishBatch_HappyPath_ConfirmsShadowEntry(t *testing.T) {
	b := &fakeBroker{}
	w, _, shadowStore := newWrapper(t, b)

	ack, err := w.PublishBatch(context.Background(), testBatch())
	require.NoError(t, err)
	require.NotEmpty(t, ack.ShadowID)
	require.NotEmpty(t, ack.ChainEntryID)
	require.Equal(t, uint64(1), ack.Sequence)
	require.Len(t, b.calls, 1)
	require.Equal(t, ack.ChainEntryID, b.calls[0], "msgID must be the chain entry id")

	unconfirmed, err := shadowStore.GetUnconfirmed("src1")
	require.NoError(t, err)
	require.Empty(t, unconfirmed, "a successful publish must confirm its own shadow entry")
}

func TestPublishBatch_BrokerFailure_LeavesShadowUnconfirmed(t *testing.T) {
	b := &fakeBroker{publishErr: errors.New("broker unavailable")}
	w, chainStore, shadowStore := newWrapper(t, b)

	_, err := w.PublishBatch(context.Background(), testBatch())
	require.Error(t, err)
	var transient *model.TransientDependencyError
	require.ErrorAs(t, err, &transient)

	unconfirmed, err := shadowStore.GetUnconfirmed("src1")
	require.NoError(t, err)
	require.Len(t, unconfirmed, 1, "the shadow entry must survive for recovery to replay")

	last, err := chainStore.GetLastEntry("src1")
	require.NoError(t, err)
	require.NotNil(t, last, "the chain entry is still created even though the broker publish failed")
}

func TestPublishBatch_UsesChainEntryIDAsDedupMsgID(t *testing.T) {
	b := &fakeBroker{}
	w, chainStore, _ := newWrapper(t, b)

	ack, err := w.PublishBatch(context.Background(), testBatch())
	require.NoError(t, err)

	entry, err := chainStore.GetEntry("src1", ack.Sequence)
	require.NoError(t, err)
	require.Equal(t, entry.EntryID, b.calls[0])
}
