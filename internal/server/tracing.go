package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/routexhq/routex/internal/telemetry"
)

func (s *server) handleTracingStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Traces == nil {
		writeData(w, http.StatusOK, map[string]int64{"total": 0, "held": 0})
		return
	}
	total, held := s.deps.Traces.Stats()
	writeData(w, http.StatusOK, map[string]int64{"total": total, "held": int64(held)})
}

func (s *server) handleTracingList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Traces == nil {
		writeData(w, http.StatusOK, []telemetry.TraceRecord{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	records := s.deps.Traces.Recent(limit)
	if records == nil {
		records = []telemetry.TraceRecord{}
	}
	writeData(w, http.StatusOK, records)
}

func (s *server) handleTracingGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Traces == nil {
		writeError(w, http.StatusNotFound, "not_found", "trace not found")
		return
	}
	rec, ok := s.deps.Traces.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "trace not found")
		return
	}
	writeData(w, http.StatusOK, rec)
}

func (s *server) handleTracingClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Traces != nil {
		s.deps.Traces.Reset()
	}
	w.WriteHeader(http.StatusNoContent)
}
