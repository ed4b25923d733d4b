package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/njoerd114/stratussync/internal/model"
	syncp "github.com/njoerd114/stratussync/internal/sync"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

type recordsResponse struct {
	Family  model.Family    `json:"family"`
	Count   int             `json:"count"`
	Records []*model.Record `json:"records"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.records.Ping(ctx); err != nil {
		s.log.Warn("health check: database unreachable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
}

// handleSyncFamily runs one drain pass and returns its summary. The pass is
// detached from the request so a dropped client cannot leave items
// half-processed.
func (s *Server) handleSyncFamily(w http.ResponseWriter, r *http.Request) {
	family, err := model.ParseFamily(chi.URLParam(r, "family"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	ctx := context.WithoutCancel(r.Context())
	sum, err := s.runner.RunFamily(ctx, family)
	switch {
	case errors.Is(err, syncp.ErrUnknownFamily):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "sync " + string(family) + " failed",
			Details: err.Error(),
		})
	default:
		s.log.Info("sync triggered over HTTP",
			"family", string(family),
			"actor", syncp.ActorFrom(ctx),
			"processed", sum.Processed,
			"failed", sum.Failed,
		)
		writeJSON(w, http.StatusOK, sum)
	}
}

// handleSyncAll runs every family concurrently. Per-family failures are
// reported in the body; the response itself is always 200.
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	writeJSON(w, http.StatusOK, s.runner.RunAll(ctx))
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	family, err := model.ParseFamily(chi.URLParam(r, "family"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	q := r.URL.Query()
	status := model.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status " + strconv.Quote(string(status))})
		return
	}

	limit := defaultRecordLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecordLimit)
	}

	recs, err := s.records.ListRecords(r.Context(), family, status, limit)
	if err != nil {
		s.log.Error("listing records", "family", string(family), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "listing records failed", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{Family: family, Count: len(recs), Records: recs})
}
