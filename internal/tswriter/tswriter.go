// Package tswriter implements the time-series writer (C8): the durable
// sink for resolved data points, backed by InfluxDB's line-protocol write
// API (§4.8). The teacher's go.mod already names this client; here it
// gets its first concrete caller.
package tswriter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/veltrix-io/tichain/internal/model"
)

// Writer appends resolved points to a bucket/table using the blocking
// write API: the pipeline needs a synchronous per-batch result to decide
// ack/nak, so WriteAPIBlocking is used instead of the async batched
// writer (§4.8 "result reported per batch, not fire-and-forget").
type Writer struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	table     string
}

// Resolved is a DataPoint joined with its registry-assigned point name and
// sequence id, ready to be written as a single line-protocol point.
type Resolved struct {
	SequenceID int64
	PointName  string
	Timestamp  time.Time
	Value      float64
	Quality    model.Quality
}

// New builds a Writer against the given InfluxDB HTTP endpoint.
func New(httpEndpoint, token, org, bucket, table string) *Writer {
	client := influxdb2.NewClient(httpEndpoint, token)
	return &Writer{client: client, writeAPI: client.WriteAPIBlocking(org, bucket), table: table}
}

// Close flushes and releases the underlying HTTP client.
func (w *Writer) Close() {
	w.client.Close()
}

// WriteBatch writes every resolved point as one line-protocol point each,
// tagged point_id (the sequence id) and point_name, with fields value and
// quality (as an integer), and classifies any failure per §4.8/§9: a 4xx
// response (bad schema, auth) is permanent; anything else (timeout,
// connection refused, 5xx) is transient.
func (w *Writer) WriteBatch(ctx context.Context, points []Resolved) error {
	if len(points) == 0 {
		return nil
	}
	lines := make([]*write.Point, 0, len(points))
	for _, p := range points {
		lines = append(lines, influxdb2.NewPoint(
			w.table,
			map[string]string{
				"point_id":   fmt.Sprintf("%d", p.SequenceID),
				"point_name": p.PointName,
			},
			map[string]any{"value": p.Value, "quality": int64(p.Quality)},
			p.Timestamp,
		))
	}
	if err := w.writeAPI.WritePoint(ctx, lines...); err != nil {
		return classifyWriteErr(err)
	}
	return nil
}

func classifyWriteErr(err error) error {
	msg := err.Error()
	if status := extractStatus(err); status != 0 && status >= http.StatusBadRequest && status < http.StatusInternalServerError {
		return &model.PermanentWriteRejection{Reason: fmt.Sprintf("http %d", status), Err: err}
	}
	// Schema/auth rejections surface without a structured status in some
	// client versions; fall back to a conservative substring check only for
	// the one class influxdb2's error wrapping does not expose a code for.
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "unprocessable") {
		return &model.PermanentWriteRejection{Reason: "rejected", Err: err}
	}
	return &model.TransientDependencyError{Dependency: "timeseries-writer", Err: err}
}

// extractStatus pulls an HTTP status code out of influxdb2's http2.Error
// type when present; returns 0 if err is not that type.
func extractStatus(err error) int {
	type statusCoder interface{ StatusCode() int }
	if sc, ok := err.(statusCoder); ok {
		return sc.StatusCode()
	}
	return 0
}
