package ctlserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/veltrix-io/tichain/internal/chain"
	"github.com/veltrix-io/tichain/internal/model"
	"github.com/veltrix-io/tichain/internal/producer"
	"github.com/veltrix-io/tichain/internal/recovery"
	"github.com/veltrix-io/tichain/internal/shadow"
)

type noopBroker struct{}

func (noopBroker) Publish(ctx context.Context, batch *model.DataPointBatch, msgID string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *chain.Store) {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chainStore := chain.NewStore(db, 0)
	shadowStore := shadow.NewStore(db, time.Hour)
	wrapper := &producer.Wrapper{Shadow: shadowStore, Chain: chainStore, Broker: noopBroker{}}
	controller := recovery.New(chainStore, shadowStore, wrapper, nil, nil, time.Minute, 24*time.Hour, func() []string { return nil })

	return New(":0", chainStore, controller, nil), chainStore
}

func TestHandleHealthz_ReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleCheckpoint_CreatesEntry(t *testing.T) {
	s, chainStore := newTestServer(t)
	payload, _ := json.Marshal(checkpointRequest{Source: "src1", Reason: "maintenance"})
	req := httptest.NewRequest(http.MethodPost, "/v1/checkpoint", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var entry model.ChainEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	require.Equal(t, "maintenance", entry.CheckpointNote)

	last, err := chainStore.GetLastEntry("src1")
	require.NoError(t, err)
	require.Equal(t, entry.EntryID, last.EntryID)
}

func TestHandleCheckpoint_MissingSource_BadRequest(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(checkpointRequest{Reason: "no source"})
	req := httptest.NewRequest(http.MethodPost, "/v1/checkpoint", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRecover_AcceptsAndReportsSource(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(recoverRequest{Source: "src1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/recover", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "src1", body["source"])
}

func TestHandleRecover_MissingSource_BadRequest(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/recover", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
