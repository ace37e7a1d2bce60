// Package pipeline implements the central ingestion orchestrator (C10):
// consume, dedup, enrich, write, update current value, mark processed,
// commit — in that order, with the commit-ordering invariants of §4.10
// enforced by the call sequence itself rather than by a separate checker.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veltrix-io/tichain/internal/broker"
	"github.com/veltrix-io/tichain/internal/config"
	"github.com/veltrix-io/tichain/internal/lookup"
	"github.com/veltrix-io/tichain/internal/model"
	"github.com/veltrix-io/tichain/internal/obs"
	"github.com/veltrix-io/tichain/internal/tswriter"
)

// Consumer is the subset of broker.Consumer the pipeline depends on.
type Consumer interface {
	Fetch(ctx context.Context, maxBatch int, timeout time.Duration) ([]*broker.Message, error)
}

// Writer is the subset of tswriter.Writer the pipeline depends on.
type Writer interface {
	WriteBatch(ctx context.Context, points []tswriter.Resolved) error
}

// Idempotency is the subset of idempotency.Store the pipeline depends on.
type Idempotency interface {
	AlreadyProcessed(ctx context.Context, batchID string) (bool, error)
	MarkProcessed(ctx context.Context, batchID string) error
}

// CurrentValue is the subset of currentvalue.Cache the pipeline depends on.
type CurrentValue interface {
	Update(ctx context.Context, sequenceID int64, cv model.CurrentValue) error
}

// Registry is the subset of registry.Registry the pipeline depends on for
// auto-registration on a lookup-cache miss.
type Registry interface {
	Register(ctx context.Context, dataSourceID, name string, defaults model.PointDefaults) (*model.Point, error)
}

// DLQ is the subset of broker.Producer the pipeline depends on to route
// failed messages to the dead-letter stream: PublishDLQRaw for a message
// that never decoded into a batch, PublishDLQ for one that did but was
// permanently rejected further down the pipeline (§4.6, §9).
type DLQ interface {
	PublishDLQRaw(ctx context.Context, source string, raw []byte, reason string) error
	PublishDLQ(ctx context.Context, batch *model.DataPointBatch, reason string) error
}

// Deps bundles every collaborator the orchestrator drives. Consumer,
// Idempotency, Lookup, Writer and CurrentValue are required; Registry is
// used only when a point misses the lookup cache; DLQ, Metrics, Logger and
// OnSource may be nil.
type Deps struct {
	Consumer     Consumer
	Idempotency  Idempotency
	Lookup       *lookup.Cache
	Registry     Registry
	Writer       Writer
	CurrentValue CurrentValue
	DLQ          DLQ
	Metrics      *obs.Metrics
	Logger       *zap.SugaredLogger
	Config       config.Pipeline
	// OnSource, if set, is called with each batch's data-source id as it is
	// consumed, so the recovery controller's source list stays current
	// without a static configuration entry per source.
	OnSource func(source string)
}

// Worker runs the processing loop over whatever its Consumer delivers. The
// daemon runs a single Worker over a wildcard consumer covering every
// source; RunAll can run several Workers under one errgroup.
type Worker struct {
	deps Deps
}

// NewWorker builds a Worker. deps is shared read-only state; nothing here
// is mutated by the worker itself.
func NewWorker(deps Deps) *Worker {
	return &Worker{deps: deps}
}

// Run executes the processing loop until ctx is cancelled and then returns
// nil. It never returns a non-nil error: a failed fetch is logged and
// retried after the configured retry delay.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := w.deps.Consumer.Fetch(ctx, w.deps.Config.MaxBatchSize, w.deps.Config.PollTimeout)
		if err != nil {
			if w.deps.Logger != nil {
				w.deps.Logger.Errorw("consumer fetch failed", "error", err)
			}
			time.Sleep(w.deps.Config.RetryDelay)
			continue
		}
		for _, msg := range msgs {
			w.processOne(ctx, msg)
		}
	}
}

// processOne runs steps 2-9 of §4.10 for a single fetched message.
func (w *Worker) processOne(ctx context.Context, msg *broker.Message) {
	start := time.Now()
	defer func() {
		if w.deps.Metrics != nil {
			w.deps.Metrics.CommitLatency.Observe(time.Since(start).Seconds())
		}
	}()

	if w.deps.Metrics != nil {
		w.deps.Metrics.BatchesConsumed.Inc()
	}

	// Step 2: poison message — couldn't even decode. Route to DLQ and Term
	// it directly; never redeliver, never let it stall the worker (§4.6, §7).
	if msg.DecodeErr != nil {
		w.handlePoison(ctx, msg)
		return
	}

	batch := msg.Batch
	if w.deps.OnSource != nil {
		w.deps.OnSource(batch.DataSourceID)
	}

	// Step 3: dedup.
	dup, err := w.deps.Idempotency.AlreadyProcessed(ctx, msg.BatchID)
	if err != nil {
		w.handleClassified(ctx, msg, err)
		return
	}
	if dup {
		if w.deps.Metrics != nil {
			w.deps.Metrics.DuplicateBatches.Inc()
		}
		w.ackOrLog(msg)
		return
	}

	// Step 4: empty batch.
	if len(batch.Points) == 0 {
		if err := w.deps.Idempotency.MarkProcessed(ctx, msg.BatchID); err != nil {
			w.handleClassified(ctx, msg, err)
			return
		}
		w.ackOrLog(msg)
		return
	}

	// Step 5: enrichment.
	resolved, err := w.enrich(ctx, batch)
	if err != nil {
		w.handleClassified(ctx, msg, err)
		return
	}

	// Step 6: write.
	writeStart := time.Now()
	writeErr := w.deps.Writer.WriteBatch(ctx, resolved)
	if w.deps.Metrics != nil {
		w.deps.Metrics.WriteLatency.Observe(time.Since(writeStart).Seconds())
	}
	if writeErr != nil {
		w.handleClassified(ctx, msg, writeErr)
		return
	}
	if w.deps.Metrics != nil {
		w.deps.Metrics.PointsWritten.Add(float64(len(resolved)))
	}

	// Step 7: current-value update — never fails the batch (§4.10).
	w.updateCurrentValues(ctx, resolved)

	// Step 8: mark processed.
	if err := w.deps.Idempotency.MarkProcessed(ctx, msg.BatchID); err != nil {
		w.handleClassified(ctx, msg, err)
		return
	}

	// Step 9: commit, always after step 8.
	w.ackOrLog(msg)
}

// enrich resolves every point's sequence id via the lookup cache, falling
// back to registry auto-registration on a miss (§4.10 step 5). A point that
// already carries its durable sequence id (e.g. a collector that cached it
// from a previous batch) skips the lookup entirely. Points that remain
// unresolved are dropped with a warning, not failed.
func (w *Worker) enrich(ctx context.Context, batch *model.DataPointBatch) ([]tswriter.Resolved, error) {
	out := make([]tswriter.Resolved, 0, len(batch.Points))
	for _, dp := range batch.Points {
		if !dp.Valid() {
			if w.deps.Metrics != nil {
				w.deps.Metrics.PointsDropped.Inc()
			}
			continue
		}

		if dp.Resolved() {
			out = append(out, tswriter.Resolved{
				SequenceID: dp.SequenceID,
				PointName:  dp.PointName,
				Timestamp:  dp.Timestamp,
				Value:      dp.Value,
				Quality:    dp.Quality,
			})
			continue
		}

		point := w.deps.Lookup.Resolve(batch.DataSourceID, dp.PointName)
		if point == nil {
			registered, err := w.deps.Registry.Register(ctx, batch.DataSourceID, dp.PointName, model.PointDefaults{
				ValueType: model.ValueTypeNumeric,
			})
			if err != nil {
				return nil, &model.TransientDependencyError{Dependency: "registry", Err: err}
			}
			w.deps.Lookup.Put(registered)
			if w.deps.Metrics != nil {
				w.deps.Metrics.AutoRegistrations.Inc()
			}
			point = registered
		}
		if point == nil || !point.HasSequenceID() {
			if w.deps.Logger != nil {
				w.deps.Logger.Warnw("point unresolved, dropping sample", "point_name", dp.PointName, "source", batch.DataSourceID)
			}
			if w.deps.Metrics != nil {
				w.deps.Metrics.PointsDropped.Inc()
			}
			continue
		}

		out = append(out, tswriter.Resolved{
			SequenceID: point.SequenceID,
			PointName:  point.Name,
			Timestamp:  dp.Timestamp,
			Value:      dp.Value,
			Quality:    dp.Quality,
		})
	}
	return out, nil
}

// updateCurrentValues applies the newest point per sequence id from the
// batch, per the §4.10 tie-break rule (last in batch order wins ties).
func (w *Worker) updateCurrentValues(ctx context.Context, resolved []tswriter.Resolved) {
	latest := make(map[int64]tswriter.Resolved, len(resolved))
	for _, p := range resolved {
		cur, ok := latest[p.SequenceID]
		if !ok || !p.Timestamp.Before(cur.Timestamp) {
			latest[p.SequenceID] = p
		}
	}
	for seqID, p := range latest {
		cv := model.CurrentValue{SequenceID: seqID, Timestamp: p.Timestamp, Value: p.Value, Quality: p.Quality}
		if err := w.deps.CurrentValue.Update(ctx, seqID, cv); err != nil {
			if w.deps.Metrics != nil {
				w.deps.Metrics.CurrentValueFailures.Inc()
			}
			if w.deps.Logger != nil {
				w.deps.Logger.Warnw("current-value update failed", "sequence_id", seqID, "error", err)
			}
		}
	}
}

// handleClassified applies the §9 typed-error classification: transient
// errors are nak'd for broker redelivery with no commit; permanent errors
// are routed to the DLQ (so the batch isn't simply lost) and then
// committed, to prevent infinite redelivery of a message that will never
// succeed.
func (w *Worker) handleClassified(ctx context.Context, msg *broker.Message, err error) {
	if model.IsRetryable(err) {
		if w.deps.Metrics != nil {
			w.deps.Metrics.TransientErrors.Inc()
		}
		if w.deps.Logger != nil {
			w.deps.Logger.Warnw("transient processing error, will redeliver", "batch_id", msg.BatchID, "error", err)
		}
		if nakErr := msg.Nak(); nakErr != nil && w.deps.Logger != nil {
			w.deps.Logger.Errorw("nak failed", "batch_id", msg.BatchID, "error", nakErr)
		}
		return
	}

	if w.deps.Metrics != nil {
		w.deps.Metrics.NonRetryableErrors.Inc()
	}
	if w.deps.Logger != nil {
		w.deps.Logger.Errorw("permanent processing error, routing to dlq", "batch_id", msg.BatchID, "error", err)
	}
	if w.deps.DLQ != nil && msg.Batch != nil {
		if dlqErr := w.deps.DLQ.PublishDLQ(ctx, msg.Batch, err.Error()); dlqErr != nil && w.deps.Logger != nil {
			w.deps.Logger.Errorw("dlq publish failed for permanently-failed batch", "batch_id", msg.BatchID, "error", dlqErr)
		}
	}
	w.ackOrLog(msg)
}

// handlePoison routes a message that failed to decode to the DLQ and
// terminates it so the broker never redelivers it again. A DLQ publish
// failure is logged but does not block terminating the message — leaving a
// poison message in the live stream forever is worse than losing one DLQ
// copy.
func (w *Worker) handlePoison(ctx context.Context, msg *broker.Message) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.NonRetryableErrors.Inc()
	}
	if w.deps.Logger != nil {
		w.deps.Logger.Errorw("message failed to decode, routing to dlq", "source", msg.Source, "error", msg.DecodeErr)
	}
	if w.deps.DLQ != nil {
		if err := w.deps.DLQ.PublishDLQRaw(ctx, msg.Source, msg.Raw, msg.DecodeErr.Error()); err != nil && w.deps.Logger != nil {
			w.deps.Logger.Errorw("dlq publish failed for poison message", "source", msg.Source, "error", err)
		}
	}
	if err := msg.Term(); err != nil && w.deps.Logger != nil {
		w.deps.Logger.Errorw("term failed for poison message", "source", msg.Source, "error", err)
	}
}

func (w *Worker) ackOrLog(msg *broker.Message) {
	if err := msg.Ack(); err != nil && w.deps.Logger != nil {
		w.deps.Logger.Errorw("ack failed", "batch_id", msg.BatchID, "error", err)
	}
}

// RunAll runs every given Worker in its own goroutine, using errgroup so
// the first worker error cancels the whole group (§4.10, §5).
func RunAll(ctx context.Context, workers []*Worker) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, wk := range workers {
		wk := wk
		g.Go(func() error { return wk.Run(gctx) })
	}
	return g.Wait()
}
