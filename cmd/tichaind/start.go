package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/veltrix-io/tichain/internal/broker"
	"github.com/veltrix-io/tichain/internal/chain"
	"github.com/veltrix-io/tichain/internal/config"
	"github.com/veltrix-io/tichain/internal/currentvalue"
	"github.com/veltrix-io/tichain/internal/ctlserver"
	"github.com/veltrix-io/tichain/internal/idempotency"
	"github.com/veltrix-io/tichain/internal/lifecycle"
	"github.com/veltrix-io/tichain/internal/lookup"
	"github.com/veltrix-io/tichain/internal/model"
	"github.com/veltrix-io/tichain/internal/obs"
	"github.com/veltrix-io/tichain/internal/pipeline"
	"github.com/veltrix-io/tichain/internal/producer"
	"github.com/veltrix-io/tichain/internal/recovery"
	"github.com/veltrix-io/tichain/internal/registry"
	"github.com/veltrix-io/tichain/internal/shadow"
	"github.com/veltrix-io/tichain/internal/tswriter"
)

// runStart builds every component and runs the daemon until SIGINT/SIGTERM.
func runStart(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return usageErr("load config: %w", err)
	}

	logger, err := obs.NewLogger(c.Bool(debugFlag.Name))
	if err != nil {
		return softwareErr("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pebble.Open(cfg.Shadow.DataDir, &pebble.Options{})
	if err != nil {
		return unavailableErr("open pebble store: %w", err)
	}
	defer db.Close()

	chainStore := chain.NewStore(db, cfg.Chain.RetainedHistoryLength)
	shadowStore := shadow.NewStore(db, cfg.Shadow.Retention)

	reg, err := registry.Open(ctx, cfg.RegistryDSN)
	if err != nil {
		return unavailableErr("open registry: %w", err)
	}
	defer reg.Close()
	if err := reg.Migrate(ctx); err != nil {
		return unavailableErr("migrate registry: %w", err)
	}

	idem, err := idempotency.NewStore(ctx, cfg.CacheAddr, cfg.CachePassword, 0, 48*time.Hour)
	if err != nil {
		return unavailableErr("open idempotency store: %w", err)
	}
	defer idem.Close()

	cv, err := currentvalue.NewCache(ctx, cfg.CacheAddr, cfg.CachePassword, 0)
	if err != nil {
		return unavailableErr("open current-value cache: %w", err)
	}
	defer cv.Close()

	lookupCache := lookup.NewCache(reg, logger, cfg.PointLookup.RefreshInterval)
	if err := lookupCache.Refresh(ctx); err != nil {
		logger.Warnw("initial point lookup refresh failed, starting with an empty cache", "error", err)
	}
	lookupCache.Start(ctx)
	defer lookupCache.Stop()

	writer := tswriter.New(cfg.TimeSeries.HTTPEndpoint, cfg.TimeSeries.Token, cfg.TimeSeries.Org, cfg.TimeSeries.Bucket, cfg.TimeSeries.TableName)
	defer writer.Close()

	brokerProducer, err := broker.NewProducer(cfg.Broker)
	if err != nil {
		return unavailableErr("open broker producer: %w", err)
	}
	defer brokerProducer.Close()

	prod := &producer.Wrapper{Shadow: shadowStore, Chain: chainStore, Broker: brokerProducer, Logger: logger}

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	sources := newSourceTracker()

	recoveryController := recovery.New(chainStore, shadowStore, prod, metrics, logger,
		cfg.Recovery.ScanInterval, cfg.Recovery.GapLookback, sources.List)

	control := ctlserver.New(cfg.Control.ListenAddr, chainStore, recoveryController, logger)
	control.Start()

	ingestServer := newIngestServer(cfg, prod, sources, logger)

	supervisor := lifecycle.NewSupervisor()
	tasks := []lifecycle.Task{
		recoveryController.Run,
		ingestServer.Run,
		func(ctx context.Context) error {
			return runConsumer(ctx, cfg, metrics, logger, idem, lookupCache, reg, cv, writer, brokerProducer, sources)
		},
	}
	if err := supervisor.Start(ctx, tasks...); err != nil {
		return softwareErr("start supervisor: %w", err)
	}

	logger.Infow("tichaind started", "control_addr", cfg.Control.ListenAddr)

	<-ctx.Done()
	logger.Infow("shutdown signal received, stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer cancel()
	if err := supervisor.Stop(stopCtx); err != nil {
		logger.Errorw("supervisor stop reported an error", "error", err)
	}
	if err := control.Stop(stopCtx); err != nil {
		logger.Errorw("control server stop reported an error", "error", err)
	}
	return nil
}

// sourceTracker records which data-source ids have been seen (by the ingest
// endpoint and by the pipeline worker) so the recovery controller knows
// which sources to scan without a static configuration list.
type sourceTracker struct {
	mu      sync.Mutex
	sources map[string]struct{}
}

func newSourceTracker() *sourceTracker {
	return &sourceTracker{sources: make(map[string]struct{})}
}

func (t *sourceTracker) Observe(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources[source] = struct{}{}
}

func (t *sourceTracker) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sources))
	for s := range t.sources {
		out = append(out, s)
	}
	return out
}

// runConsumer owns the wildcard pull consumer and runs a single pipeline
// worker over it for every source; each source the worker sees is recorded
// in sources.
func runConsumer(ctx context.Context, cfg *config.Config, metrics *obs.Metrics, logger *zap.SugaredLogger, idem *idempotency.Store, lookupCache *lookup.Cache, reg *registry.Registry, cv *currentvalue.Cache, writer *tswriter.Writer, dlq *broker.Producer, sources *sourceTracker) error {
	consumer, err := broker.NewConsumer(cfg.Broker, "*")
	if err != nil {
		return err
	}
	defer consumer.Close()

	worker := pipeline.NewWorker(pipeline.Deps{
		Consumer:     consumer,
		Idempotency:  idem,
		Lookup:       lookupCache,
		Registry:     reg,
		Writer:       writer,
		CurrentValue: cv,
		DLQ:          dlq,
		Metrics:      metrics,
		Logger:       logger,
		Config:       cfg.Pipeline,
		OnSource:     sources.Observe,
	})
	return worker.Run(ctx)
}

// ingestServer exposes the producer-side POST /v1/publish endpoint for
// out-of-scope external connectors (§1 "external collaborators only") to
// hand a DataPointBatch to the resilient producer wrapper.
type ingestServer struct {
	prod    *producer.Wrapper
	sources *sourceTracker
	logger  *zap.SugaredLogger
}

func newIngestServer(cfg *config.Config, prod *producer.Wrapper, sources *sourceTracker, logger *zap.SugaredLogger) *ingestServer {
	return &ingestServer{prod: prod, sources: sources, logger: logger}
}

func (s *ingestServer) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Post("/v1/publish", s.handlePublish)

	srv := &http.Server{Addr: s.ingestAddr(), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// ingestAddr binds the ingest endpoint to the fixed port 8766, one above the
// default control API port, so both can run without an explicit separate
// config section. It does not follow a changed control listen address.
func (s *ingestServer) ingestAddr() string {
	return ":8766"
}

func (s *ingestServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var batch model.DataPointBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "invalid batch payload", http.StatusBadRequest)
		return
	}
	if batch.DataSourceID == "" || batch.BatchID == "" {
		http.Error(w, "dataSourceId and batchId are required", http.StatusBadRequest)
		return
	}
	s.sources.Observe(batch.DataSourceID)

	ack, err := s.prod.PublishBatch(r.Context(), &batch)
	if err != nil {
		s.logger.Errorw("publish failed", "source", batch.DataSourceID, "batch_id", batch.BatchID, "error", err)
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ack)
}
