// Package producer implements the producer-side resilient wrapper (C12):
// Shadow -> Chain -> Broker in strict order, so a crash at any step leaves
// state the gap-recovery controller can repair rather than state that
// silently loses data (§4.12).
package producer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/veltrix-io/tichain/internal/chain"
	"github.com/veltrix-io/tichain/internal/model"
	"github.com/veltrix-io/tichain/internal/shadow"
)

// Broker is the subset of broker.Producer the wrapper depends on, named
// here so tests can supply a fake without importing NATS.
type Broker interface {
	Publish(ctx context.Context, batch *model.DataPointBatch, msgID string) error
}

// Wrapper sequences a publish through the shadow buffer, integrity chain,
// and broker, in that order (§4.12).
type Wrapper struct {
	Shadow *shadow.Store
	Chain  *chain.Store
	Broker Broker
	Logger *zap.SugaredLogger
}

// Ack is the result of a successful PublishBatch call.
type Ack struct {
	ShadowID     string
	ChainEntryID string
	Sequence     uint64
}

// PublishBatch executes the three-step contract of §4.12. A failure at
// step 1 returns before anything downstream is touched. A failure at step
// 2 or 3 leaves an unconfirmed shadow entry for C11 to recover later —
// this is intentional, not an error to suppress.
func (w *Wrapper) PublishBatch(ctx context.Context, batch *model.DataPointBatch) (*Ack, error) {
	// Step 1: buffer durably before anything else is attempted.
	entry, err := w.Shadow.Buffer(batch, "")
	if err != nil {
		return nil, &model.ShadowWriteFailure{Err: err}
	}

	// Step 2: chain entry. On failure the shadow entry is left unconfirmed;
	// the chain itself is unaffected since nothing was appended.
	chainEntry, err := w.Chain.CreateEntry(batch, batch.DataSourceID)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Warnw("chain entry creation failed, shadow entry left unconfirmed for recovery",
				"source", batch.DataSourceID, "batch_id", batch.BatchID, "error", err)
		}
		return nil, fmt.Errorf("create chain entry: %w", err)
	}

	// Step 3: publish. On failure the shadow entry is left unconfirmed and
	// will be replayed by the recovery controller.
	if err := w.Broker.Publish(ctx, batch, chainEntry.EntryID); err != nil {
		if w.Logger != nil {
			w.Logger.Warnw("broker publish failed, shadow entry left unconfirmed for recovery",
				"source", batch.DataSourceID, "batch_id", batch.BatchID, "error", err)
		}
		return nil, &model.TransientDependencyError{Dependency: "broker", Err: err}
	}

	if err := w.Shadow.Confirm(batch.DataSourceID, entry.ShadowID, entry.BufferedAt); err != nil && w.Logger != nil {
		w.Logger.Warnw("failed to confirm shadow entry after successful publish",
			"source", batch.DataSourceID, "shadow_id", entry.ShadowID, "error", err)
	}

	return &Ack{ShadowID: entry.ShadowID, ChainEntryID: chainEntry.EntryID, Sequence: chainEntry.Sequence}, nil
}
