// Package api exposes the debugger's wire protocol: one HTTP/JSON endpoint
// set driven by browsers, IDEs and debuggee clients. CORS-open on /api/*.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cideldill/cideldill/internal/breakpoint"
	"github.com/cideldill/cideldill/internal/events"
	"github.com/cideldill/cideldill/internal/monitoring"
	"github.com/cideldill/cideldill/internal/storage"
)

// Wire error kinds, each mapped to an HTTP 4xx.
const (
	ErrKindCidMismatch     = "cid_mismatch"
	ErrKindCidNotFound     = "cid_not_found"
	ErrKindBadRequest      = "bad_request"
	ErrKindPauseNotFound   = "pause_not_found"
	ErrKindSessionNotFound = "session_not_found"
)

// Wait bound for one long-poll round trip; clients re-poll on "pending".
const longPollWait = 10 * time.Second

// Wait bound for a REPL evaluation round trip through the debuggee.
const evalWait = 15 * time.Second

// pendingCall tracks an in-flight interception between call/start and
// call/complete.
type pendingCall struct {
	data    *breakpoint.CallData
	pauseID string
}

// Server wires the manager, stores and observer hub into the HTTP surface.
type Server struct {
	mgr     *breakpoint.Manager
	blobs   *storage.BlobStore
	calls   *storage.CallStore
	hub     *events.Hub
	metrics *monitoring.Metrics

	pollIntervalMs int

	mu       sync.Mutex
	callSeq  map[string]int64        // process_key -> call counter
	inFlight map[string]*pendingCall // call_id -> snapshot
	comErrs  *comErrorRing
}

// NewServer builds the HTTP layer. hub and metrics may be nil in tests.
func NewServer(mgr *breakpoint.Manager, blobs *storage.BlobStore, calls *storage.CallStore, hub *events.Hub, metrics *monitoring.Metrics, pollIntervalMs int) *Server {
	if pollIntervalMs <= 0 {
		pollIntervalMs = 100
	}
	return &Server{
		mgr:            mgr,
		blobs:          blobs,
		calls:          calls,
		hub:            hub,
		metrics:        metrics,
		pollIntervalMs: pollIntervalMs,
		callSeq:        make(map[string]int64),
		inFlight:       make(map[string]*pendingCall),
		comErrs:        newComErrorRing(200),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.HandleWebSocket)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)
	api.Use(loggingMiddleware)

	api.HandleFunc("/breakpoints", s.handleListBreakpoints).Methods("GET")
	api.HandleFunc("/breakpoints", s.handleAddBreakpoint).Methods("POST")
	api.HandleFunc("/breakpoints/{name}", s.handleRemoveBreakpoint).Methods("DELETE")
	api.HandleFunc("/breakpoints/{name}/after_behavior", s.handleAfterBehavior).Methods("POST")
	api.HandleFunc("/behavior", s.handleGetBehavior).Methods("GET")
	api.HandleFunc("/behavior", s.handleSetBehavior).Methods("POST")

	api.HandleFunc("/paused", s.handleListPaused).Methods("GET")
	api.HandleFunc("/paused/{pause_id}/continue", s.handleResume).Methods("POST")
	api.HandleFunc("/poll/{pause_id}", s.handlePoll).Methods("GET")

	api.HandleFunc("/call/start", s.handleCallStart).Methods("POST")
	api.HandleFunc("/call/complete", s.handleCallComplete).Methods("POST")
	api.HandleFunc("/call/event", s.handleCallEvent).Methods("POST")

	api.HandleFunc("/cids/query", s.handleCidsQuery).Methods("POST")
	api.HandleFunc("/cids/upload", s.handleCidsUpload).Methods("POST")

	api.HandleFunc("/repl/start", s.handleReplStart).Methods("POST")
	api.HandleFunc("/repl/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/repl/{session_id}/eval", s.handleReplEval).Methods("POST")
	api.HandleFunc("/poll-repl/{pause_id}", s.handlePollRepl).Methods("GET")
	api.HandleFunc("/call/repl-result", s.handleReplResult).Methods("POST")

	api.HandleFunc("/call-history", s.handleCallHistory).Methods("GET")
	api.HandleFunc("/call-history/export", s.handleCallHistoryExport).Methods("GET")
	api.HandleFunc("/calls/search", s.handleSearchByArgs).Methods("POST")
	api.HandleFunc("/functions", s.handleListFunctions).Methods("GET")
	api.HandleFunc("/com-errors", s.handleComErrors).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/debug-client.js", s.handleDebugClientJS).Methods("GET")

	// Preflight for every /api route.
	api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods("OPTIONS")

	return r
}

// nextCallID assigns a server-local monotonic call id namespaced by the
// process key.
func (s *Server) nextCallID(processKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callSeq[processKey]++
	return fmt.Sprintf("%s:%d", processKey, s.callSeq[processKey])
}

func (s *Server) trackCall(callID string, pc *pendingCall) {
	s.mu.Lock()
	s.inFlight[callID] = pc
	s.mu.Unlock()
}

func (s *Server) popCall(callID string) *pendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := s.inFlight[callID]
	delete(s.inFlight, callID)
	return pc
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "cideldill-server",
	})
}

// ---- middleware ----

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		// Poll endpoints are too chatty for info level.
		if r.Method == http.MethodGet {
			slog.Debug("api request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
			return
		}
		slog.Info("api request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, extra map[string]any) {
	body := map[string]any{"error": kind}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrKindBadRequest, map[string]any{"detail": err.Error()})
		return false
	}
	return true
}
