// Package server exposes the site registry and on-demand sync requests over
// a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/replication"
)

const maxBodyBytes = 1 << 20

// Replicator runs sync requests. Implemented by [replication.Replicator].
type Replicator interface {
	ExecuteSyncRequest(ctx context.Context, req model.SyncRequest) error
}

// Sites lists registered sites. Implemented by [state.Store].
type Sites interface {
	Objects(ctx context.Context) ([]*model.Site, error)
}

// Workers lists the sites with a live query worker. Implemented by
// [query.Manager].
type Workers interface {
	Workers() []string
}

// Deps are the collaborators the API serves. Workers and Metrics are
// optional.
type Deps struct {
	Replicator Replicator
	Sites      Sites
	Workers    Workers

	// Metrics, when non-nil, is served at /metrics.
	Metrics prometheus.Gatherer

	Logger *slog.Logger
}

// New builds the API handler.
func New(d Deps) http.Handler {
	h := &handlers{deps: d, log: d.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sites", h.listSites)
		r.Get("/workers", h.listWorkers)
		r.Post("/sync", h.sync)
	})

	return otelhttp.NewHandler(r, "siterelay.api")
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

type handlers struct {
	deps Deps
	log  *slog.Logger
}

func (h *handlers) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.deps.Sites.Objects(r.Context())
	if err != nil {
		h.writeInternalError(w, err)
		return
	}
	if sites == nil {
		sites = []*model.Site{}
	}
	writeJSON(w, http.StatusOK, sites)
}

func (h *handlers) listWorkers(w http.ResponseWriter, _ *http.Request) {
	ids := []string{}
	if h.deps.Workers != nil {
		ids = h.deps.Workers.Workers()
	}
	writeJSON(w, http.StatusOK, ids)
}

type syncResponse struct {
	Status string `json:"status"`
}

// sync runs one request synchronously. Job failures still answer 200; they
// are reported through events.
func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var cfg model.ReplicationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.deps.Replicator.ExecuteSyncRequest(r.Context(), model.SyncRequest{Config: cfg})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, syncResponse{Status: "completed"})
	case errors.Is(err, replication.ErrSiteNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, replication.ErrTypeUndetected), errors.Is(err, adapter.ErrNoFactory):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, replication.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, replication.ErrSiteUnreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.writeInternalError(w, err)
	}
}

// --- Response helpers --------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeInternalError logs the actual error and returns a generic message.
func (h *handlers) writeInternalError(w http.ResponseWriter, err error) {
	h.log.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
