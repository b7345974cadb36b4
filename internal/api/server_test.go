package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cideldill/cideldill/internal/breakpoint"
	"github.com/cideldill/cideldill/internal/codec"
	"github.com/cideldill/cideldill/internal/events"
	"github.com/cideldill/cideldill/internal/storage"
)

func newTestAPI(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "api.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mgr := breakpoint.NewManager(db.Calls())
	s := NewServer(mgr, db.Blobs(), db.Calls(), events.NewHub(), nil, 50)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func doDelete(t *testing.T, ts *httptest.Server, path string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func binaryRef(v any) map[string]any {
	p := codec.Serialize(v)
	return map[string]any{"cid": p.CID, "data": p.Bytes, "format": p.Format}
}

func startCall(t *testing.T, ts *httptest.Server, method string, args ...any) map[string]any {
	t.Helper()
	refs := make([]any, len(args))
	for i, a := range args {
		refs[i] = binaryRef(a)
	}
	code, resp := postJSON(t, ts, "/api/call/start", map[string]any{
		"method_name":        method,
		"args":               refs,
		"process_pid":        4242,
		"process_start_time": 1700000000.5,
		"preferred_format":   "binary",
		"signature":          "func(int, int) int",
	})
	require.Equal(t, http.StatusOK, code, "call/start: %v", resp)
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestAPI(t)
	code, resp := getJSON(t, ts, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp["status"])
}

func TestBreakpointEndpoints(t *testing.T) {
	_, ts := newTestAPI(t)

	code, _ := postJSON(t, ts, "/api/breakpoints", map[string]any{"function_name": "calc.add"})
	require.Equal(t, http.StatusOK, code)

	code, resp := getJSON(t, ts, "/api/breakpoints")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"calc.add"}, resp["breakpoints"])

	// Missing name is rejected.
	code, resp = postJSON(t, ts, "/api/breakpoints", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ErrKindBadRequest, resp["error"])

	require.Equal(t, http.StatusOK, doDelete(t, ts, "/api/breakpoints/calc.add"))
	_, resp = getJSON(t, ts, "/api/breakpoints")
	assert.Empty(t, resp["breakpoints"])
}

func TestBehaviorEndpoints(t *testing.T) {
	_, ts := newTestAPI(t)

	code, resp := getJSON(t, ts, "/api/behavior")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stop", resp["behavior"])

	// "continue" is a wire alias; internally it is stored as "go".
	code, resp = postJSON(t, ts, "/api/behavior", map[string]any{"behavior": "continue"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "go", resp["behavior"])

	code, resp = postJSON(t, ts, "/api/behavior", map[string]any{"behavior": "sideways"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ErrKindBadRequest, resp["error"])
}

func TestCallStartWithoutBreakpoint(t *testing.T) {
	_, ts := newTestAPI(t)

	resp := startCall(t, ts, "calc.add", 2, 3)
	assert.Equal(t, "continue", resp["action"])
	assert.Equal(t, "1700000000.500000+4242:1", resp["call_id"])

	// call ids are monotonic per process key.
	resp = startCall(t, ts, "calc.add", 4, 5)
	assert.Equal(t, "1700000000.500000+4242:2", resp["call_id"])
}

// The full pause/inspect/resume/complete loop, ending with the call in the
// history with its decoded result.
func TestCallLifecyclePauseContinue(t *testing.T) {
	_, ts := newTestAPI(t)

	postJSON(t, ts, "/api/breakpoints", map[string]any{"function_name": "calc.add"})

	resp := startCall(t, ts, "calc.add", 2, 3)
	require.Equal(t, "poll", resp["action"])
	callID := resp["call_id"].(string)
	pauseID := resp["pause_id"].(string)
	assert.Equal(t, "/api/poll/"+pauseID, resp["poll_url"])
	assert.Equal(t, float64(50), resp["poll_interval_ms"])

	code, paused := getJSON(t, ts, "/api/paused")
	require.Equal(t, http.StatusOK, code)
	list := paused["paused"].([]any)
	require.Len(t, list, 1)
	pe := list[0].(map[string]any)
	assert.Equal(t, pauseID, pe["pause_id"])
	callData := pe["call_data"].(map[string]any)
	assert.Equal(t, "calc.add", callData["method_name"])
	assert.Equal(t, []any{float64(2), float64(3)}, callData["pretty_args"])

	code, _ = postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{"action": "continue"})
	require.Equal(t, http.StatusOK, code)

	code, poll := getJSON(t, ts, "/api/poll/"+pauseID)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", poll["status"])
	action := poll["action"].(map[string]any)
	assert.Equal(t, "continue", action["action"])

	result := codec.Serialize(5)
	code, _ = postJSON(t, ts, "/api/call/complete", map[string]any{
		"call_id":       callID,
		"status":        "success",
		"result_cid":    result.CID,
		"result_data":   result.Bytes,
		"result_format": result.Format,
	})
	require.Equal(t, http.StatusOK, code)

	code, history := getJSON(t, ts, "/api/call-history?function=calc.add")
	require.Equal(t, http.StatusOK, code)
	calls := history["calls"].([]any)
	require.Len(t, calls, 1)
	rec := calls[0].(map[string]any)
	assert.Equal(t, callID, rec["call_id"])
	assert.Equal(t, "success", rec["status"])
	assert.Equal(t, []any{float64(2), float64(3)}, rec["pretty_args"])
	assert.Equal(t, float64(5), rec["pretty_result"])
	assert.Equal(t, result.CID, rec["result_cid"])

	_, paused = getJSON(t, ts, "/api/paused")
	assert.Empty(t, paused["paused"])
}

func TestResumeModify(t *testing.T) {
	_, ts := newTestAPI(t)
	postJSON(t, ts, "/api/breakpoints", map[string]any{"function_name": "calc.add"})

	resp := startCall(t, ts, "calc.add", 2, 3)
	pauseID := resp["pause_id"].(string)

	code, _ := postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{
		"action":        "modify",
		"modified_args": []any{10, 20},
	})
	require.Equal(t, http.StatusOK, code)

	code, poll := getJSON(t, ts, "/api/poll/"+pauseID)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", poll["status"])
	action := poll["action"].(map[string]any)
	require.Equal(t, "modify", action["action"])

	// Payloads carry the pause's preferred format (binary) and decode to the
	// UI-supplied values; JSON numbers arrive as float64.
	modArgs := action["modified_args"].([]any)
	require.Len(t, modArgs, 2)
	for i, want := range []float64{10, 20} {
		p := modArgs[i].(map[string]any)
		assert.Equal(t, "binary", p["serialization_format"])
		raw, err := decodeB64(p["data"].(string))
		require.NoError(t, err)
		assert.Equal(t, p["cid"], codec.ComputeCID(raw))
		assert.Equal(t, want, codec.Deserialize(raw, "binary"))
	}
}

func TestResumeSkip(t *testing.T) {
	_, ts := newTestAPI(t)
	postJSON(t, ts, "/api/breakpoints", map[string]any{"function_name": "calc.add"})

	// With a fake result.
	resp := startCall(t, ts, "calc.add", 2, 3)
	pauseID := resp["pause_id"].(string)
	code, _ := postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{
		"action":      "skip",
		"fake_result": 42,
	})
	require.Equal(t, http.StatusOK, code)

	_, poll := getJSON(t, ts, "/api/poll/"+pauseID)
	action := poll["action"].(map[string]any)
	require.Equal(t, "skip", action["action"])
	fake := action["fake_result"].(map[string]any)
	raw, err := decodeB64(fake["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, float64(42), codec.Deserialize(raw, "binary"))

	// Without one: the client synthesizes a null result.
	resp = startCall(t, ts, "calc.add", 2, 3)
	pauseID = resp["pause_id"].(string)
	code, _ = postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{"action": "skip"})
	require.Equal(t, http.StatusOK, code)
	_, poll = getJSON(t, ts, "/api/poll/"+pauseID)
	action = poll["action"].(map[string]any)
	assert.Equal(t, "skip", action["action"])
	assert.Nil(t, action["fake_result"])
}

func TestResumeRaise(t *testing.T) {
	_, ts := newTestAPI(t)
	postJSON(t, ts, "/api/breakpoints", map[string]any{"function_name": "calc.add"})

	resp := startCall(t, ts, "calc.add", 2, 3)
	pauseID := resp["pause_id"].(string)

	code, _ := postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{
		"action":            "raise",
		"exception_type":    "calc.Overflow",
		"exception_message": "too big",
	})
	require.Equal(t, http.StatusOK, code)

	_, poll := getJSON(t, ts, "/api/poll/"+pauseID)
	action := poll["action"].(map[string]any)
	assert.Equal(t, "raise", action["action"])
	assert.Equal(t, "calc.Overflow", action["exception_type"])
	assert.Equal(t, "too big", action["exception_message"])
}

func TestResumeErrors(t *testing.T) {
	_, ts := newTestAPI(t)
	postJSON(t, ts, "/api/breakpoints", map[string]any{"function_name": "calc.add"})

	code, resp := postJSON(t, ts, "/api/paused/nope/continue", map[string]any{"action": "continue"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrKindPauseNotFound, resp["error"])

	r := startCall(t, ts, "calc.add", 1)
	pauseID := r["pause_id"].(string)
	code, resp = postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{"action": "teleport"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ErrKindBadRequest, resp["error"])

	// Resuming twice: the pause is gone after the first resume.
	code, _ = postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{"action": "continue"})
	require.Equal(t, http.StatusOK, code)
	code, resp = postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{"action": "skip"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrKindPauseNotFound, resp["error"])
}

func TestPollUnknownPause(t *testing.T) {
	_, ts := newTestAPI(t)
	code, resp := getJSON(t, ts, "/api/poll/unknown")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrKindPauseNotFound, resp["error"])
}

func TestPollClaimsActionOnce(t *testing.T) {
	_, ts := newTestAPI(t)
	postJSON(t, ts, "/api/breakpoints", map[string]any{"function_name": "calc.add"})

	resp := startCall(t, ts, "calc.add", 1)
	pauseID := resp["pause_id"].(string)
	code, _ := postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{"action": "continue"})
	require.Equal(t, http.StatusOK, code)

	code, poll := getJSON(t, ts, "/api/poll/"+pauseID)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", poll["status"])

	// Delivery releases the recorded action; nothing is retained for the
	// pause afterwards.
	code, poll = getJSON(t, ts, "/api/poll/"+pauseID)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrKindPauseNotFound, poll["error"])
}

func TestCidMismatchRejected(t *testing.T) {
	_, ts := newTestAPI(t)

	good := codec.Serialize(1)
	code, resp := postJSON(t, ts, "/api/call/start", map[string]any{
		"method_name":        "calc.add",
		"args":               []any{map[string]any{"cid": "feedbeef", "data": good.Bytes, "format": "binary"}},
		"process_pid":        1,
		"process_start_time": 1.0,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ErrKindCidMismatch, resp["error"])
	assert.Equal(t, "feedbeef", resp["provided_cid"])
	assert.Equal(t, good.CID, resp["expected_cid"])

	// The failure lands on the com-errors page.
	code, errs := getJSON(t, ts, "/api/com-errors")
	require.Equal(t, http.StatusOK, code)
	entries := errs["errors"].([]any)
	require.NotEmpty(t, entries)
	assert.Equal(t, ErrKindCidMismatch, entries[0].(map[string]any)["kind"])
}

// Payload dedup: a CID-only reference fails until the bytes are uploaded,
// then succeeds without resending them.
func TestCidDedupFlow(t *testing.T) {
	_, ts := newTestAPI(t)

	p := codec.Serialize("large payload")
	ref := map[string]any{"cid": p.CID, "format": "binary"}
	body := map[string]any{
		"method_name":        "calc.echo",
		"args":               []any{ref},
		"process_pid":        1,
		"process_start_time": 1.0,
	}

	code, resp := postJSON(t, ts, "/api/call/start", body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ErrKindCidNotFound, resp["error"])
	assert.Equal(t, []any{p.CID}, resp["missing_cids"])

	code, resp = postJSON(t, ts, "/api/cids/query", map[string]any{"cids": []string{p.CID}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{p.CID}, resp["missing_cids"])

	code, resp = postJSON(t, ts, "/api/cids/upload", map[string]any{p.CID: p.Bytes})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["stored"])

	code, resp = postJSON(t, ts, "/api/call/start", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "continue", resp["action"])

	code, resp = postJSON(t, ts, "/api/cids/query", map[string]any{"cids": []string{p.CID}})
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp["missing_cids"])
}

func TestCidsUploadMismatch(t *testing.T) {
	_, ts := newTestAPI(t)
	code, resp := postJSON(t, ts, "/api/cids/upload", map[string]any{"bad": []byte("bytes")})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ErrKindCidMismatch, resp["error"])
	assert.Equal(t, "bad", resp["provided_cid"])
}

// The eval bridge: /repl/eval queues the expression, the debuggee pops it
// via poll-repl and posts the result, and the eval response carries it back.
func TestReplBridge(t *testing.T) {
	_, ts := newTestAPI(t)
	postJSON(t, ts, "/api/breakpoints", map[string]any{"function_name": "calc.add"})

	resp := startCall(t, ts, "calc.add", 3, 5)
	pauseID := resp["pause_id"].(string)

	code, sess := postJSON(t, ts, "/api/repl/start", map[string]any{"pause_id": pauseID})
	require.Equal(t, http.StatusOK, code)
	sessionID := sess["session_id"].(string)
	require.NotEmpty(t, sessionID)

	// Debuggee side, answering the one queued expression.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			_, pr := getJSON(t, ts, "/api/poll-repl/"+pauseID)
			evals := pr["evals"].([]any)
			if len(evals) == 0 {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			ev := evals[0].(map[string]any)
			assert.Equal(t, "arg0 + arg1", ev["expr"])
			postJSON(t, ts, "/api/call/repl-result", map[string]any{
				"eval_id":  ev["eval_id"],
				"output":   "8",
				"is_error": false,
			})
			return
		}
	}()

	code, eval := postJSON(t, ts, "/api/repl/"+sessionID+"/eval", map[string]any{"expr": "arg0 + arg1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "8", eval["output"])
	assert.Equal(t, false, eval["is_error"])
	<-done

	// The exchange is on the transcript.
	code, sessions := getJSON(t, ts, "/api/repl/sessions?search=arg0")
	require.Equal(t, http.StatusOK, code)
	list := sessions["sessions"].([]any)
	require.Len(t, list, 1)
	transcript := list[0].(map[string]any)["transcript"].([]any)
	require.Len(t, transcript, 1)
	assert.Equal(t, "8", transcript[0].(map[string]any)["output"])

	// Resume closes the session; evaluating on it afterwards fails.
	postJSON(t, ts, "/api/paused/"+pauseID+"/continue", map[string]any{"action": "continue"})
	code, resp = postJSON(t, ts, "/api/repl/"+sessionID+"/eval", map[string]any{"expr": "arg0"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ErrKindBadRequest, resp["error"])
	assert.Equal(t, breakpoint.ErrSessionClosed.Error(), resp["detail"])

	// The completed call records the session id.
	result := codec.Serialize(8)
	postJSON(t, ts, "/api/call/complete", map[string]any{
		"call_id":     "1700000000.500000+4242:1",
		"status":      "success",
		"result_cid":  result.CID,
		"result_data": result.Bytes,
	})
	_, history := getJSON(t, ts, "/api/call-history")
	rec := history["calls"].([]any)[0].(map[string]any)
	assert.Equal(t, []any{sessionID}, rec["repl_sessions"])
}

func TestReplStartRequiresActivePause(t *testing.T) {
	_, ts := newTestAPI(t)
	code, resp := postJSON(t, ts, "/api/repl/start", map[string]any{"pause_id": "nope"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrKindPauseNotFound, resp["error"])
}

func TestReplEvalUnknownSession(t *testing.T) {
	_, ts := newTestAPI(t)
	code, resp := postJSON(t, ts, "/api/repl/missing/eval", map[string]any{"expr": "1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrKindSessionNotFound, resp["error"])
}

func TestSearchByArgsEndpoint(t *testing.T) {
	_, ts := newTestAPI(t)

	refs := []any{}
	code, resp := postJSON(t, ts, "/api/call/start", map[string]any{
		"method_name":        "orders.place",
		"args":               refs,
		"kwargs":             map[string]any{"user": binaryRef(map[string]any{"id": 7})},
		"process_pid":        1,
		"process_start_time": 1.0,
	})
	require.Equal(t, http.StatusOK, code)
	callID := resp["call_id"].(string)
	postJSON(t, ts, "/api/call/complete", map[string]any{"call_id": callID, "status": "success"})

	code, found := postJSON(t, ts, "/api/calls/search", map[string]any{
		"kwargs": map[string]any{"user": map[string]any{"id": 7}},
	})
	require.Equal(t, http.StatusOK, code)
	require.Len(t, found["calls"].([]any), 1)

	code, found = postJSON(t, ts, "/api/calls/search", map[string]any{
		"kwargs": map[string]any{"user": map[string]any{"id": 8}},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, found["calls"])
}

func TestFunctionsRegistered(t *testing.T) {
	_, ts := newTestAPI(t)
	startCall(t, ts, "calc.add", 1, 2)

	code, resp := getJSON(t, ts, "/api/functions")
	require.Equal(t, http.StatusOK, code)
	fns := resp["functions"].(map[string]any)
	assert.Equal(t, "func(int, int) int", fns["calc.add"])
}

func TestStats(t *testing.T) {
	_, ts := newTestAPI(t)
	resp := startCall(t, ts, "calc.add", 1, 2)
	postJSON(t, ts, "/api/call/complete", map[string]any{
		"call_id": resp["call_id"], "status": "success",
	})

	code, stats := getJSON(t, ts, "/api/stats")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), stats["blob_count"])
	assert.Equal(t, float64(1), stats["call_count"])
	assert.Equal(t, float64(0), stats["paused"])
}

func TestDebugClientJS(t *testing.T) {
	_, ts := newTestAPI(t)
	resp, err := http.Get(ts.URL + "/api/debug-client.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	body := buf.String()
	assert.Contains(t, body, ts.URL)
	assert.Contains(t, body, "export function withDebug")
	assert.Contains(t, body, "export function debugCallSync")
	assert.NotContains(t, body, "__BASE_URL__")
}

func TestCORSHeaders(t *testing.T) {
	_, ts := newTestAPI(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/breakpoints", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
