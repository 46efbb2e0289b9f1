package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/rendergate/internal/history"
	"github.com/mattjoyce/rendergate/internal/inspect"
)

const maxBatchListLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		BindingsLoaded: len(s.registry.Names()),
	})
}

// handleListBindings handles GET /bindings.
func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	resp := BindingListResponse{Bindings: make([]BindingSummary, 0, len(names))}
	for _, name := range names {
		b, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		summary := BindingSummary{
			Name:        b.Name,
			Description: b.Description,
			Params:      make([]string, 0, len(b.Params)),
		}
		for _, p := range b.Params {
			summary.Params = append(summary.Params, p.Name)
		}
		resp.Bindings = append(resp.Bindings, summary)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetBinding handles GET /bindings/{name}.
func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := s.registry.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "binding not found")
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// handleListBatches handles GET /batches?limit=N, newest first.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxBatchListLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	batches, err := s.batches.ListBatches(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list batches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	if batches == nil {
		batches = []history.Batch{}
	}
	respondJSON(w, http.StatusOK, BatchListResponse{Batches: batches})
}

// handleGetBatch handles GET /batches/{batchID}.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	b, recs, err := s.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, history.ErrBatchNotFound) {
			s.writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.logger.Error("failed to retrieve batch", "batch_id", batchID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve batch")
		return
	}
	respondJSON(w, http.StatusOK, inspect.FromHistory(b, recs))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
