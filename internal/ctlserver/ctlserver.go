// Package ctlserver exposes the daemon's control HTTP API: health,
// Prometheus metrics, on-demand gap recovery, and chain checkpoints
// (§6 control surface).
package ctlserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veltrix-io/tichain/internal/chain"
	"github.com/veltrix-io/tichain/internal/recovery"
)

// Server wraps the chi router and its collaborators.
type Server struct {
	router *chi.Mux
	http   *http.Server
	logger *zap.SugaredLogger
}

// New builds the control server listening on addr. chainStore backs the
// checkpoint endpoint; controller backs the on-demand recovery endpoint.
func New(addr string, chainStore *chain.Store, controller *recovery.Controller, logger *zap.SugaredLogger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/recover", handleRecover(controller, logger))
	r.Post("/v1/checkpoint", handleCheckpoint(chainStore, logger))

	return &Server{
		router: r,
		http:   &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start begins serving in a background goroutine and returns immediately.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed && s.logger != nil {
			s.logger.Errorw("control server stopped unexpectedly", "error", err)
		}
	}()
}

// Stop gracefully shuts the control server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type recoverRequest struct {
	Source string `json:"source"`
}

func handleRecover(controller *recovery.Controller, logger *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
			http.Error(w, "source is required", http.StatusBadRequest)
			return
		}
		go func() {
			if err := controller.ScanSource(r.Context(), req.Source); err != nil && logger != nil {
				logger.Errorw("on-demand recovery scan failed", "source", req.Source, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "scan-started", "source": req.Source})
	}
}

type checkpointRequest struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

func handleCheckpoint(chainStore *chain.Store, logger *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
			http.Error(w, "source is required", http.StatusBadRequest)
			return
		}
		entry, err := chainStore.Checkpoint(req.Source, req.Reason)
		if err != nil {
			if logger != nil {
				logger.Errorw("checkpoint failed", "source", req.Source, "error", err)
			}
			http.Error(w, "checkpoint failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entry)
	}
}
