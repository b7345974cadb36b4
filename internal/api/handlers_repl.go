package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cideldill/cideldill/internal/breakpoint"
	"github.com/cideldill/cideldill/internal/codec"
)

func (s *Server) handleReplStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PauseID string `json:"pause_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.mgr.StartSession(req.PauseID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrKindPauseNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleReplEval(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	var req struct {
		Expr string `json:"expr"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.mgr.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrKindSessionNotFound, nil)
		return
	}
	if !sess.Open() {
		writeError(w, http.StatusBadRequest, ErrKindBadRequest, map[string]any{
			"detail": breakpoint.ErrSessionClosed.Error(),
		})
		return
	}

	pending, resultCh, err := s.mgr.EnqueueEval(sess.PauseID, sessionID, req.Expr)
	if err != nil {
		if errors.Is(err, breakpoint.ErrPauseNotFound) {
			writeError(w, http.StatusNotFound, ErrKindPauseNotFound, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", map[string]any{"detail": err.Error()})
		return
	}

	res := waitEvalResult(resultCh, func() { s.mgr.AbandonEval(pending.EvalID) })
	outcome := "ok"
	if res.IsError {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.ReplEvals.WithLabelValues(outcome).Inc()
	}

	errText := ""
	if res.IsError {
		errText = res.Output
	}
	_ = s.mgr.AppendTranscript(sessionID, req.Expr, res.Output, errText, res.IsError, res.ResultCID)

	writeJSON(w, http.StatusOK, map[string]any{
		"output":     res.Output,
		"is_error":   res.IsError,
		"result_cid": res.ResultCID,
	})
}

// waitEvalResult blocks on the eval bridge channel for up to evalWait. A
// timeout reads as an error result so the transcript still records the
// exchange.
func waitEvalResult(ch <-chan *breakpoint.EvalResult, abandon func()) *breakpoint.EvalResult {
	t := time.NewTimer(evalWait)
	defer t.Stop()
	select {
	case res := <-ch:
		return res
	case <-t.C:
		abandon()
		return &breakpoint.EvalResult{
			Output:  "timeout: debuggee did not respond",
			IsError: true,
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := breakpoint.SessionFilters{
		Status: q.Get("status"),
		Search: q.Get("search"),
	}
	if v := q.Get("from"); v != "" {
		f.FromTS, _ = strconv.ParseFloat(v, 64)
	}
	if v := q.Get("to"); v != "" {
		f.ToTS, _ = strconv.ParseFloat(v, 64)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.mgr.ListSessions(f),
	})
}

// handlePollRepl is the debuggee side of the eval bridge: while blocked at a
// pause the client polls here and evaluates whatever it gets back.
func (s *Server) handlePollRepl(w http.ResponseWriter, r *http.Request) {
	pauseID := mux.Vars(r)["pause_id"]
	evals := s.mgr.PollEvals(pauseID)
	if evals == nil {
		evals = []*breakpoint.PendingEval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"evals": evals})
}

type replResultRequest struct {
	EvalID     string `json:"eval_id"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error"`
	ResultCID  string `json:"result_cid,omitempty"`
	ResultData []byte `json:"result_data,omitempty"`
}

func (s *Server) handleReplResult(w http.ResponseWriter, r *http.Request) {
	var req replResultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ResultCID != "" && req.ResultData != nil {
		if expected := codec.ComputeCID(req.ResultData); expected != req.ResultCID {
			writeError(w, http.StatusBadRequest, ErrKindCidMismatch, map[string]any{
				"provided_cid": req.ResultCID,
				"expected_cid": expected,
			})
			return
		}
		if err := s.blobs.PutMany(map[string][]byte{req.ResultCID: req.ResultData}); err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
			return
		}
	}
	s.mgr.ResolveEval(&breakpoint.EvalResult{
		EvalID:    req.EvalID,
		Output:    req.Output,
		IsError:   req.IsError,
		ResultCID: req.ResultCID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
