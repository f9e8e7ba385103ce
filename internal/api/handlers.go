package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/observability"
	"github.com/lvonguyen/iocforge/internal/service"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ready(r.Context()); err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleEnrichmentPath serves GET /api/v1/enrichment/{indicator}.
func (s *Server) handleEnrichmentPath(w http.ResponseWriter, r *http.Request) {
	indicator := chi.URLParam(r, "indicator")
	// chi routes on RawPath when it is set, leaving the parameter escaped.
	// Otherwise it was taken from the already decoded Path.
	if r.URL.RawPath != "" {
		decoded, err := url.PathUnescape(indicator)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid indicator encoding")
			return
		}
		indicator = decoded
	}
	s.serveEnrichment(w, r, indicator)
}

// handleEnrichmentQuery serves GET /api/v1/enrichment?ioc=.
func (s *Server) handleEnrichmentQuery(w http.ResponseWriter, r *http.Request) {
	s.serveEnrichment(w, r, r.URL.Query().Get("ioc"))
}

func (s *Server) serveEnrichment(w http.ResponseWriter, r *http.Request, indicator string) {
	outcome, err := s.service.Get(r.Context(), indicator)
	if err != nil {
		if errors.Is(err, service.ErrInvalidIndicator) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Enrichment failed", observability.IOC(indicator), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	cacheStatus := "MISS"
	if outcome.Cached {
		cacheStatus = "HIT"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(outcome.Record.Payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
