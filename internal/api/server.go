// SPDX-License-Identifier: MIT

// Package api exposes the dispatcher's admin surface: health probes,
// Prometheus metrics, fleet and breaker views, and request-level
// pipeline statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/fleet/dispatch"
	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
	"github.com/fetcharr/fetcharr/internal/pipeline/worker"
	"github.com/fetcharr/fetcharr/internal/resilience"
)

// Server wires the admin HTTP routes over the running subsystems.
type Server struct {
	orch       *worker.Orchestrator
	dispatcher *dispatch.Dispatcher
	breakers   *resilience.CircuitBreakerService
	logger     zerolog.Logger
}

// New builds the admin server.
func New(orch *worker.Orchestrator, dispatcher *dispatch.Dispatcher, breakers *resilience.CircuitBreakerService) *Server {
	return &Server{
		orch:       orch,
		dispatcher: dispatcher,
		breakers:   breakers,
		logger:     log.WithComponent("api"),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(correlationID)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		r.Get("/fleet", s.handleFleet)
		r.Get("/breakers", s.handleBreakers)
		r.Get("/requests/{requestID}/stats", s.handleRequestStats)
		r.Get("/items/{itemID}", s.handleItem)
		r.Post("/items/{itemID}/retry", s.handleRetry)
		r.Post("/items/{itemID}/cancel", s.handleCancel)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Ready once the store answers queries.
	if _, err := s.orch.ItemsForProcessing(r.Context(), model.StatusPending); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	nodes := s.dispatcher.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"encoders": nodes,
		"total":    len(nodes),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	records, err := s.breakers.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"breakers": records})
}

func (s *Server) handleRequestStats(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	stats, err := s.orch.RequestStats(r.Context(), requestID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.orch.Item(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeItemError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	item, err := s.orch.Retry(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeItemError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	item, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeItemError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

// writeItemError maps domain errors onto HTTP status codes.
func (s *Server) writeItemError(w http.ResponseWriter, err error) {
	var ste *model.StateTransitionError
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &ste):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("response write failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Serve runs the admin server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
