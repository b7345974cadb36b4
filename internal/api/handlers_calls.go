package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cideldill/cideldill/internal/breakpoint"
	"github.com/cideldill/cideldill/internal/codec"
	"github.com/cideldill/cideldill/internal/storage"
)

// payloadRef is an argument or result on the wire: a CID, optionally the
// bytes (base64 in JSON), and the encoding they carry.
type payloadRef struct {
	CID    string `json:"cid"`
	Data   []byte `json:"data,omitempty"`
	Format string `json:"format,omitempty"` // defaults to binary
}

type callStartRequest struct {
	MethodName       string                `json:"method_name"`
	Target           *payloadRef           `json:"target,omitempty"`
	Args             []payloadRef          `json:"args"`
	Kwargs           map[string]payloadRef `json:"kwargs,omitempty"`
	CallSite         *storage.CallSite     `json:"call_site,omitempty"`
	ProcessPID       int                   `json:"process_pid"`
	ProcessStartTime float64               `json:"process_start_time"`
	PageURL          string                `json:"page_url,omitempty"`
	PreferredFormat  string                `json:"preferred_format,omitempty"`
	Signature        string                `json:"signature,omitempty"`
}

// ingestPayloads verifies and stores every ref that carries data, then
// reports refs whose CID is still unknown. Returns false when it already
// wrote an error response.
func (s *Server) ingestPayloads(w http.ResponseWriter, refs []*payloadRef) bool {
	uploads := make(map[string][]byte)
	for _, ref := range refs {
		if ref == nil || ref.CID == "" {
			continue
		}
		if ref.Data != nil {
			if expected := codec.ComputeCID(ref.Data); expected != ref.CID {
				s.recordComError(ErrKindCidMismatch, map[string]any{
					"provided_cid": ref.CID,
					"expected_cid": expected,
				})
				writeError(w, http.StatusBadRequest, ErrKindCidMismatch, map[string]any{
					"provided_cid": ref.CID,
					"expected_cid": expected,
				})
				return false
			}
			uploads[ref.CID] = ref.Data
		}
	}
	if len(uploads) > 0 {
		if err := s.blobs.PutMany(uploads); err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
			return false
		}
	}

	var referenced []string
	for _, ref := range refs {
		if ref != nil && ref.CID != "" && ref.Data == nil {
			referenced = append(referenced, ref.CID)
		}
	}
	if len(referenced) > 0 {
		missing, err := s.blobs.Missing(referenced)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
			return false
		}
		if len(missing) > 0 {
			writeError(w, http.StatusBadRequest, ErrKindCidNotFound, map[string]any{
				"missing_cids": missing,
			})
			return false
		}
	}
	return true
}

// decodePretty loads a payload's bytes and renders the decoded value for
// display.
func (s *Server) decodePretty(ref payloadRef) any {
	b := ref.Data
	if b == nil {
		stored, err := s.blobs.GetMany([]string{ref.CID})
		if err != nil {
			return nil
		}
		b = stored[ref.CID]
	}
	if b == nil {
		return nil
	}
	format := ref.Format
	if format == "" {
		format = codec.FormatBinary
	}
	return codec.Pretty(codec.Deserialize(b, format))
}

func (s *Server) handleCallStart(w http.ResponseWriter, r *http.Request) {
	var req callStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MethodName == "" {
		writeError(w, http.StatusBadRequest, ErrKindBadRequest, map[string]any{"detail": "method_name is required"})
		return
	}

	refs := make([]*payloadRef, 0, len(req.Args)+len(req.Kwargs)+1)
	refs = append(refs, req.Target)
	for i := range req.Args {
		refs = append(refs, &req.Args[i])
	}
	for k := range req.Kwargs {
		ref := req.Kwargs[k]
		refs = append(refs, &ref)
	}
	if !s.ingestPayloads(w, refs) {
		return
	}

	processKey := storage.ProcessKey(req.ProcessStartTime, req.ProcessPID)
	callID := s.nextCallID(processKey)

	data := &breakpoint.CallData{
		CallID:           callID,
		MethodName:       req.MethodName,
		PrettyArgs:       make([]any, len(req.Args)),
		Signature:        req.Signature,
		CallSite:         req.CallSite,
		ProcessPID:       req.ProcessPID,
		ProcessStartTime: req.ProcessStartTime,
		ProcessKey:       processKey,
		PageURL:          req.PageURL,
		PreferredFormat:  req.PreferredFormat,
		StartedAt:        storage.EpochSeconds(time.Now()),
	}
	for i, ref := range req.Args {
		data.PrettyArgs[i] = s.decodePretty(ref)
		data.ArgCIDs = append(data.ArgCIDs, ref.CID)
	}
	if len(req.Kwargs) > 0 {
		data.PrettyKwargs = make(map[string]any, len(req.Kwargs))
		data.KwargCIDs = make(map[string]string, len(req.Kwargs))
		for k, ref := range req.Kwargs {
			data.PrettyKwargs[k] = s.decodePretty(ref)
			data.KwargCIDs[k] = ref.CID
		}
	}
	if req.Target != nil {
		data.TargetCID = req.Target.CID
	}
	if req.Signature != "" {
		s.mgr.RegisterFunction(req.MethodName, req.Signature)
	}

	if s.mgr.ShouldPause(req.MethodName) {
		pauseID := s.mgr.AddPaused(data)
		s.trackCall(callID, &pendingCall{data: data, pauseID: pauseID})
		if s.metrics != nil {
			s.metrics.CallsStarted.WithLabelValues("true").Inc()
			s.metrics.PausedGauge.Set(float64(len(s.mgr.ListPaused())))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"call_id":          callID,
			"action":           "poll",
			"pause_id":         pauseID,
			"poll_url":         "/api/poll/" + pauseID,
			"poll_interval_ms": s.pollIntervalMs,
		})
		return
	}

	s.trackCall(callID, &pendingCall{data: data})
	if s.metrics != nil {
		s.metrics.CallsStarted.WithLabelValues("false").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_id": callID,
		"action":  "continue",
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	pauseID := mux.Vars(r)["pause_id"]

	if s.mgr.GetPaused(pauseID) == nil && s.mgr.PeekResumeAction(pauseID) == nil {
		writeError(w, http.StatusNotFound, ErrKindPauseNotFound, nil)
		return
	}

	// Clients that interleave other work (REPL servicing) between polls ask
	// for a shorter wait.
	wait := longPollWait
	if v := r.URL.Query().Get("wait_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 && time.Duration(ms)*time.Millisecond < longPollWait {
			wait = time.Duration(ms) * time.Millisecond
		}
	}

	start := time.Now()
	action := s.mgr.WaitForResume(pauseID, wait)
	if s.metrics != nil {
		s.metrics.PollWaits.Observe(time.Since(start).Seconds())
	}
	if action == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
		return
	}
	if s.metrics != nil {
		s.metrics.PausedGauge.Set(float64(len(s.mgr.ListPaused())))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"action": action,
	})
}

// resumeRequest carries raw UI-supplied values; the server encodes them in
// the pause's preferred format so the CID is canonical for that encoding.
type resumeRequest struct {
	Action              string         `json:"action"`
	ModifiedArgs        []any          `json:"modified_args,omitempty"`
	ModifiedKwargs      map[string]any `json:"modified_kwargs,omitempty"`
	FakeResult          any            `json:"fake_result,omitempty"`
	ExceptionType       string         `json:"exception_type,omitempty"`
	ExceptionMessage    string         `json:"exception_message,omitempty"`
	FunctionName        string         `json:"function_name,omitempty"`
	SerializationFormat string         `json:"serialization_format,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	pauseID := mux.Vars(r)["pause_id"]
	var req resumeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	pe := s.mgr.GetPaused(pauseID)
	if pe == nil {
		writeError(w, http.StatusNotFound, ErrKindPauseNotFound, nil)
		return
	}

	format := req.SerializationFormat
	if format == "" {
		format = pe.PreferredFormat
	}
	format = normalizeFormat(format)

	action := &breakpoint.ResumeAction{
		Action:           req.Action,
		ExceptionType:    req.ExceptionType,
		ExceptionMessage: req.ExceptionMessage,
		FunctionName:     req.FunctionName,
	}
	switch req.Action {
	case breakpoint.ActionContinue, breakpoint.ActionRaise, breakpoint.ActionReplace:
	case breakpoint.ActionModify:
		for _, v := range req.ModifiedArgs {
			action.ModifiedArgs = append(action.ModifiedArgs, s.encodeActionPayload(v, format))
		}
		if len(req.ModifiedKwargs) > 0 {
			action.ModifiedKwargs = make(map[string]breakpoint.ActionPayload, len(req.ModifiedKwargs))
			for k, v := range req.ModifiedKwargs {
				action.ModifiedKwargs[k] = s.encodeActionPayload(v, format)
			}
		}
	case breakpoint.ActionSkip:
		// A skip without fake_result resolves to a null result client-side.
		if req.FakeResult != nil {
			p := s.encodeActionPayload(req.FakeResult, format)
			action.FakeResult = &p
		}
	default:
		writeError(w, http.StatusBadRequest, ErrKindBadRequest, map[string]any{"detail": "unknown action " + req.Action})
		return
	}

	if err := s.mgr.Resume(pauseID, action); err != nil {
		writeError(w, http.StatusNotFound, ErrKindPauseNotFound, nil)
		return
	}
	if s.metrics != nil {
		s.metrics.PausedGauge.Set(float64(len(s.mgr.ListPaused())))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// normalizeFormat maps wire aliases ("dill" from native peers) onto codec
// format names.
func normalizeFormat(format string) string {
	switch format {
	case codec.FormatJSON:
		return codec.FormatJSON
	case "", "dill", codec.FormatBinary:
		return codec.FormatBinary
	}
	return codec.FormatBinary
}

func (s *Server) encodeActionPayload(v any, format string) breakpoint.ActionPayload {
	payload := codec.SerializeFormat(v, format)
	// Action payloads are also retained in the CID store so the record's
	// references resolve later.
	_ = s.blobs.PutMany(map[string][]byte{payload.CID: payload.Bytes})
	return breakpoint.ActionPayload{
		CID:                 payload.CID,
		Data:                payload.Bytes,
		SerializationFormat: payload.Format,
	}
}

type callCompleteRequest struct {
	CallID       string                 `json:"call_id"`
	Status       string                 `json:"status"`
	ResultCID    string                 `json:"result_cid,omitempty"`
	ResultData   []byte                 `json:"result_data,omitempty"`
	ResultFormat string                 `json:"result_format,omitempty"`
	Exception    *storage.ExceptionInfo `json:"exception,omitempty"`
}

func (s *Server) handleCallComplete(w http.ResponseWriter, r *http.Request) {
	var req callCompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CallID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, ErrKindBadRequest, map[string]any{"detail": "call_id and status are required"})
		return
	}

	resultRef := &payloadRef{CID: req.ResultCID, Data: req.ResultData, Format: req.ResultFormat}
	if resultRef.CID != "" && !s.ingestPayloads(w, []*payloadRef{resultRef}) {
		return
	}

	pc := s.popCall(req.CallID)
	now := storage.EpochSeconds(time.Now())

	rec := &storage.CallRecord{
		CallID:      req.CallID,
		Status:      req.Status,
		CompletedAt: now,
		ResultCID:   req.ResultCID,
		Exception:   req.Exception,
	}
	if pc != nil {
		rec.MethodName = pc.data.MethodName
		rec.PrettyArgs = pc.data.PrettyArgs
		rec.PrettyKwargs = pc.data.PrettyKwargs
		rec.Signature = pc.data.Signature
		rec.CallSite = pc.data.CallSite
		rec.ProcessPID = pc.data.ProcessPID
		rec.ProcessStartTime = pc.data.ProcessStartTime
		rec.ProcessKey = pc.data.ProcessKey
		rec.PageURL = pc.data.PageURL
		rec.StartedAt = pc.data.StartedAt
		rec.ReplSessions = s.sessionsForPause(pc.pauseID)
	}
	if rec.StartedAt == 0 {
		rec.StartedAt = now
	}
	if req.ResultCID != "" {
		rec.PrettyResult = s.decodePretty(*resultRef)
	}

	if err := s.mgr.RecordCall(rec); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.CallsCompleted.WithLabelValues(req.Status).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) sessionsForPause(pauseID string) []string {
	if pauseID == "" {
		return nil
	}
	var ids []string
	for _, sess := range s.mgr.ListSessions(breakpoint.SessionFilters{}) {
		if sess.PauseID == pauseID {
			ids = append(ids, sess.SessionID)
		}
	}
	return ids
}

func (s *Server) handleCallEvent(w http.ResponseWriter, r *http.Request) {
	var event map[string]any
	if !decodeBody(w, r, &event) {
		return
	}
	kind, _ := event["event_type"].(string)
	switch kind {
	case "pickle_error", ErrKindCidMismatch, "transport":
		s.recordComError(kind, event)
	}
	s.mgr.NotifyCallEvent(event)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCidsQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CIDs []string `json:"cids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	missing, err := s.blobs.Missing(req.CIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing_cids": missing})
}

func (s *Server) handleCidsUpload(w http.ResponseWriter, r *http.Request) {
	var blobs map[string][]byte
	if !decodeBody(w, r, &blobs) {
		return
	}
	if err := s.blobs.PutMany(blobs); err != nil {
		if mismatch, ok := err.(*storage.CidMismatchError); ok {
			first := mismatch.Mismatches[0]
			s.recordComError(ErrKindCidMismatch, map[string]any{
				"provided_cid": first.ProvidedCID,
				"expected_cid": first.ExpectedCID,
			})
			writeError(w, http.StatusBadRequest, ErrKindCidMismatch, map[string]any{
				"provided_cid": first.ProvidedCID,
				"expected_cid": first.ExpectedCID,
				"mismatches":   mismatch.Mismatches,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": len(blobs)})
}
