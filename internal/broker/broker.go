// Package broker wraps NATS JetStream for both halves of the system: the
// producer-side resilient wrapper (C12) publishes to the data-points
// stream with a deduplication MsgId; the consumer pipeline (C6) pulls from
// it with manual, explicit acknowledgement so a crash between receipt and
// commit redelivers rather than silently drops (§4.5, §4.6).
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nats-io/nats.go"

	"github.com/veltrix-io/tichain/internal/config"
	"github.com/veltrix-io/tichain/internal/model"
)

// Producer publishes DataPointBatches to the broker with an idempotent
// message id so broker-side retries of the same publish call never create
// duplicate stream entries (§4.12).
type Producer struct {
	js   nats.JetStreamContext
	nc   *nats.Conn
	cfg  config.Broker
}

// NewProducer connects to the broker and ensures the configured streams
// exist, creating them if this is a first run against a fresh server.
func NewProducer(cfg config.Broker) (*Producer, error) {
	nc, js, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureStreams(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}
	return &Producer{js: js, nc: nc, cfg: cfg}, nil
}

// Close drains and closes the underlying connection.
func (p *Producer) Close() {
	_ = p.nc.Drain()
}

// Publish sends batch to the data-points stream. msgID is used as the
// JetStream Nats-Msg-Id header: republishing the same msgID within the
// broker's dedup window (e.g. a retry of the same publish) is deduplicated
// by the broker itself (§4.12). Gap recovery replays go through
// producer.Wrapper.PublishBatch, which creates a new chain entry and hence a
// new msgID, so replayed batches are absorbed by the consumer-side
// idempotency store instead.
func (p *Producer) Publish(ctx context.Context, batch *model.DataPointBatch, msgID string) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if p.cfg.CompressionEnabled {
		raw, err = gzipCompress(raw)
		if err != nil {
			return fmt.Errorf("compress batch: %w", err)
		}
	}

	msg := &nats.Msg{
		Subject: subjectFor(p.cfg.StreamDataPoints, batch.DataSourceID),
		Data:    raw,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, msgID)
	msg.Header.Set(headerBatchID, batch.BatchID)
	msg.Header.Set(headerPointCount, fmt.Sprintf("%d", len(batch.Points)))
	msg.Header.Set(headerSentAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.Header.Set(headerCompressed, fmt.Sprintf("%t", p.cfg.CompressionEnabled))

	_, err = p.js.PublishMsg(msg, nats.Context(ctx), nats.ExpectStream(p.cfg.StreamDataPoints))
	if err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

// PublishDLQ routes a permanently-failed batch to the dead-letter stream,
// tagging it with the classification reason for operator triage (§4.6).
func (p *Producer) PublishDLQ(ctx context.Context, batch *model.DataPointBatch, reason string) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode dlq batch: %w", err)
	}
	msg := &nats.Msg{
		Subject: subjectFor(p.cfg.StreamDLQ, batch.DataSourceID),
		Data:    raw,
		Header:  nats.Header{},
	}
	msg.Header.Set(headerBatchID, batch.BatchID)
	msg.Header.Set(headerDLQReason, reason)
	_, err = p.js.PublishMsg(msg, nats.Context(ctx), nats.ExpectStream(p.cfg.StreamDLQ))
	return err
}

// PublishDLQRaw routes a message that failed to even decode to the
// dead-letter stream, preserving its original bytes verbatim rather than
// re-marshaling through model.DataPointBatch (which, for a poison message,
// is exactly what already failed). source may be empty when the subject
// itself could not be parsed; the DLQ subject falls back to "unknown".
func (p *Producer) PublishDLQRaw(ctx context.Context, source string, raw []byte, reason string) error {
	if source == "" {
		source = "unknown"
	}
	msg := &nats.Msg{
		Subject: subjectFor(p.cfg.StreamDLQ, source),
		Data:    raw,
		Header:  nats.Header{},
	}
	msg.Header.Set(headerDLQReason, reason)
	_, err := p.js.PublishMsg(msg, nats.Context(ctx), nats.ExpectStream(p.cfg.StreamDLQ))
	return err
}

// Consumer pulls batches from the data-points stream with a durable pull
// subscription, one per source data-source-id pattern.
type Consumer struct {
	js   nats.JetStreamContext
	nc   *nats.Conn
	cfg  config.Broker
	sub  *nats.Subscription
}

// NewConsumer binds a durable pull consumer. source selects the subject
// filter: "*" spreads every source across one shared pull subscription,
// while a specific data-source id binds a dedicated filtered consumer so a
// pipeline.Worker can own one source's ordering independently of the
// others (§4.10 "one Worker per consumed subject/source", §5 per-source
// ordering). All daemon replicas sharing cfg.ConsumerGroup as the durable
// name means JetStream distributes messages across replicas as competing
// consumers (§4.6).
func NewConsumer(cfg config.Broker, source string) (*Consumer, error) {
	if source == "" {
		source = "*"
	}
	nc, js, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	durable := cfg.ConsumerGroup
	if source != "*" {
		durable = cfg.ConsumerGroup + "-" + source
	}
	sub, err := js.PullSubscribe(
		subjectFor(cfg.StreamDataPoints, source),
		durable,
		nats.BindStream(cfg.StreamDataPoints),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxAckPending(10000),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}
	return &Consumer{js: js, nc: nc, cfg: cfg, sub: sub}, nil
}

// Close drains and closes the underlying connection.
func (c *Consumer) Close() {
	_ = c.nc.Drain()
}

// ackNaker is the subset of *nats.Msg the Message wrapper needs, named
// locally so NewMessage can be given a fake in tests without a live
// JetStream subscription.
type ackNaker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Message is a decoded batch plus the broker handle needed to ack/nak it.
// A message that failed to decode carries a nil Batch and a non-nil
// DecodeErr instead; the pipeline routes those to the DLQ and Terms them
// rather than treating the decode failure as fatal to the whole Fetch call.
type Message struct {
	Batch     *model.DataPointBatch
	BatchID   string
	Source    string
	Raw       []byte
	DecodeErr error
	raw       ackNaker
}

// NewMessage builds a Message directly, bypassing a live Fetch call — so
// pipeline tests can exercise processOne against a fake ackNaker.
func NewMessage(batch *model.DataPointBatch, batchID string, raw ackNaker) *Message {
	return &Message{Batch: batch, BatchID: batchID, raw: raw}
}

// NewPoisonMessage builds a Message representing a decode failure, so
// pipeline tests can exercise the DLQ-routing path against a fake ackNaker.
func NewPoisonMessage(source string, raw []byte, decodeErr error, ack ackNaker) *Message {
	return &Message{Source: source, Raw: raw, DecodeErr: decodeErr, raw: ack}
}

// Ack acknowledges successful processing: offset/position is considered
// committed from this point on (§4.6 commit-ordering invariant).
func (m *Message) Ack() error {
	return m.raw.Ack()
}

// Nak signals transient failure: the broker redelivers after its backoff,
// no commit occurs (§4.6, §4.9 error classification).
func (m *Message) Nak() error {
	return m.raw.Nak()
}

// Term signals permanent failure after DLQ routing: the broker must never
// redeliver this message again.
func (m *Message) Term() error {
	return m.raw.Term()
}

// Fetch pulls up to maxBatch messages, blocking up to timeout for at least
// one. Returns an empty slice (not an error) on pull timeout with nothing
// available — matching the teacher's "nats.ErrTimeout on empty queue is not
// an error" convention.
func (c *Consumer) Fetch(ctx context.Context, maxBatch int, timeout time.Duration) ([]*Message, error) {
	msgs, err := c.sub.Fetch(maxBatch, nats.MaxWait(timeout), nats.Context(ctx))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	out := make([]*Message, 0, len(msgs))
	for _, raw := range msgs {
		batch, decodeErr := decodeBatch(raw)
		if decodeErr != nil {
			// A poison message must never stall or fail the whole Fetch call
			// for its siblings: carry the failure on its own Message so the
			// pipeline can DLQ + Term just that one (§4.6, §7).
			out = append(out, &Message{
				Source:    sourceFromSubject(raw.Subject),
				Raw:       raw.Data,
				DecodeErr: &model.DeserializationError{Topic: raw.Subject, Err: decodeErr},
				raw:       raw,
			})
			continue
		}
		out = append(out, &Message{Batch: batch, BatchID: raw.Header.Get(headerBatchID), raw: raw})
	}
	return out, nil
}

// sourceFromSubject recovers the data-source id from a "stream.source"
// subject; used only for DLQ routing of a message whose body didn't even
// decode far enough to report DataSourceID directly.
func sourceFromSubject(subject string) string {
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return subject[i+1:]
		}
	}
	return subject
}

func decodeBatch(raw *nats.Msg) (*model.DataPointBatch, error) {
	data := raw.Data
	if raw.Header.Get(headerCompressed) == "true" {
		decompressed, err := gzipDecompress(data)
		if err != nil {
			return nil, fmt.Errorf("decompress message: %w", err)
		}
		data = decompressed
	}
	var batch model.DataPointBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &batch, nil
}

func connect(cfg config.Broker) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ProducerClientID),
		nats.Timeout(cfg.SessionTimeout),
		nats.PingInterval(cfg.HeartbeatInterval),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect broker: %w", err)
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

func ensureStreams(js nats.JetStreamContext, cfg config.Broker) error {
	streams := []struct {
		name    string
		subject string
	}{
		{cfg.StreamDataPoints, subjectFor(cfg.StreamDataPoints, "*")},
		{cfg.StreamBackfill, subjectFor(cfg.StreamBackfill, "*")},
		{cfg.StreamDLQ, subjectFor(cfg.StreamDLQ, "*")},
	}
	for _, s := range streams {
		if _, err := js.StreamInfo(s.name); err == nil {
			continue
		}
		_, err := js.AddStream(&nats.StreamConfig{
			Name:      s.name,
			Subjects:  []string{s.subject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", s.name, err)
		}
	}
	return nil
}

func subjectFor(stream, source string) string {
	return fmt.Sprintf("%s.%s", stream, source)
}

const (
	headerBatchID    = "Tichain-Batch-Id"
	headerPointCount = "Tichain-Point-Count"
	headerSentAt     = "Tichain-Sent-At"
	headerCompressed = "Tichain-Compressed"
	headerDLQReason  = "Tichain-Dlq-Reason"
)

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
