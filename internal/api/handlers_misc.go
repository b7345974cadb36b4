package api

import (
	"net/http"
	"strconv"

	"github.com/cideldill/cideldill/internal/storage"
)

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filters{
		FunctionName: q.Get("function"),
		ProcessKey:   q.Get("process_key"),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}

	if callID := q.Get("call_id"); callID != "" {
		rec, err := s.calls.Get(callID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, ErrKindBadRequest, map[string]any{"detail": "unknown call_id " + callID})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": []*storage.CallRecord{rec}})
		return
	}

	recs, err := s.calls.List(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": recs})
}

func (s *Server) handleCallHistoryExport(w http.ResponseWriter, r *http.Request) {
	b, err := s.calls.ExportAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="call-history.json"`)
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func (s *Server) handleSearchByArgs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kwargs map[string]any `json:"kwargs"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	recs, err := s.calls.SearchByArgs(req.Kwargs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": recs})
}

func (s *Server) handleComErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"errors": s.comErrs.list(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	blobCount, blobBytes, err := s.blobs.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.BlobCount.Set(float64(blobCount))
		s.metrics.BlobBytes.Set(float64(blobBytes))
	}
	recs, err := s.calls.List(storage.Filters{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
		return
	}
	wsClients := 0
	if s.hub != nil {
		wsClients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"blob_count":  blobCount,
		"blob_bytes":  blobBytes,
		"call_count":  len(recs),
		"paused":      len(s.mgr.ListPaused()),
		"breakpoints": len(s.mgr.ListBreakpoints()),
		"ws_clients":  wsClients,
	})
}
