package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cideldill/cideldill/internal/breakpoint"
)

func (s *Server) handleListBreakpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakpoints": s.mgr.ListBreakpoints(),
	})
}

func (s *Server) handleAddBreakpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FunctionName string `json:"function_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FunctionName == "" {
		writeError(w, http.StatusBadRequest, ErrKindBadRequest, map[string]any{"detail": "function_name is required"})
		return
	}
	s.mgr.AddBreakpoint(req.FunctionName)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRemoveBreakpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mgr.RemoveBreakpoint(name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAfterBehavior(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req struct {
		Behavior string `json:"behavior"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	behavior, ok := breakpoint.NormalizeBehavior(req.Behavior)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrKindBadRequest, map[string]any{"detail": "behavior must be stop or go"})
		return
	}
	s.mgr.SetAfterBehavior(name, behavior)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetBehavior(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"behavior": string(s.mgr.DefaultBehavior()),
	})
}

func (s *Server) handleSetBehavior(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Behavior string `json:"behavior"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	behavior, ok := breakpoint.NormalizeBehavior(req.Behavior)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrKindBadRequest, map[string]any{"detail": "behavior must be stop or go"})
		return
	}
	s.mgr.SetDefaultBehavior(behavior)
	writeJSON(w, http.StatusOK, map[string]any{"behavior": string(behavior)})
}

func (s *Server) handleListPaused(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"paused": s.mgr.ListPaused(),
	})
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"functions": s.mgr.RegisteredFunctions(),
	})
}
