package broker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/veltrix-io/tichain/internal/model"
)

func TestSubjectFor_JoinsStreamAndSource(t *testing.T) {
	require.Equal(t, "datapoints.src1", subjectFor("datapoints", "src1"))
	require.Equal(t, "datapoints.*", subjectFor("datapoints", "*"))
}

func TestGzipRoundTrip(t *testing.T) {
	raw := []byte(`{"hello":"world"}`)
	compressed, err := gzipCompress(raw)
	require.NoError(t, err)
	require.NotEqual(t, raw, compressed)

	decompressed, err := gzipDecompress(compressed)
	require.NoError(t, err)
	require.Equal(t, raw, decompressed)
}

func TestDecodeBatch_Uncompressed(t *testing.T) {
	now := time.Now().UTC()
	batch := &model.DataPointBatch{BatchID: "b1", DataSourceID: "src1", CreatedAt: now}
	raw, err := json.Marshal(batch)
	require.NoError(t, err)

	msg := &nats.Msg{Data: raw, Header: nats.Header{}}
	decoded, err := decodeBatch(msg)
	require.NoError(t, err)
	require.Equal(t, "b1", decoded.BatchID)
}

func TestDecodeBatch_Compressed(t *testing.T) {
	now := time.Now().UTC()
	batch := &model.DataPointBatch{BatchID: "b1", DataSourceID: "src1", CreatedAt: now}
	raw, err := json.Marshal(batch)
	require.NoError(t, err)
	compressed, err := gzipCompress(raw)
	require.NoError(t, err)

	msg := &nats.Msg{Data: compressed, Header: nats.Header{headerCompressed: []string{"true"}}}
	decoded, err := decodeBatch(msg)
	require.NoError(t, err)
	require.Equal(t, "b1", decoded.BatchID)
}

func TestSourceFromSubject_ExtractsTrailingSegment(t *testing.T) {
	require.Equal(t, "src1", sourceFromSubject("datapoints.src1"))
	require.Equal(t, "nodots", sourceFromSubject("nodots"))
}

func TestNewPoisonMessage_TermsWithoutAckOrNak(t *testing.T) {
	raw := &recordingAckNaker{}
	msg := NewPoisonMessage("src1", []byte("garbage"), errors.New("decode failed"), raw)
	require.NoError(t, msg.Term())
	require.True(t, raw.termed)
	require.False(t, raw.acked)
	require.False(t, raw.naked)
}

func TestMessage_AckNakTerm_DelegateToRaw(t *testing.T) {
	raw := &recordingAckNaker{}
	msg := NewMessage(&model.DataPointBatch{BatchID: "b1"}, "b1", raw)

	require.NoError(t, msg.Ack())
	require.True(t, raw.acked)
	require.NoError(t, msg.Nak())
	require.True(t, raw.naked)
	require.NoError(t, msg.Term())
	require.True(t, raw.termed)
}

type recordingAckNaker struct {
	acked, naked, termed bool
}

func (r *recordingAckNaker) Ack(...nats.AckOpt) error  { r.acked = true; return nil }
func (r *recordingAckNaker) Nak(...nats.AckOpt) error  { r.naked = true; return nil }
func (r *recordingAckNaker) Term(...nats.AckOpt) error { r.termed = true; return nil }
