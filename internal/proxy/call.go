package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/cideldill/cideldill/internal/breakpoint"
	"github.com/cideldill/cideldill/internal/codec"
	"github.com/cideldill/cideldill/internal/repl"
	"github.com/cideldill/cideldill/internal/storage"
)

// Wire error kinds the client reacts to.
const (
	errKindCidNotFound = "cid_not_found"
)

// intercept runs one wrapped call end to end: snapshot, call/start, an
// optional pause, the invocation, call/complete. A server that cannot be
// reached never breaks the call; the function runs directly.
func (c *Client) intercept(ctx context.Context, name string, fv reflect.Value, args []reflect.Value) []reflect.Value {
	if !c.Enabled() || c.baseURL == "" {
		return fv.Call(args)
	}

	site := captureCallSite(3)

	refs := make([]payloadRef, len(args))
	payloads := make([]codec.Payload, len(args))
	cids := make([]string, len(args))
	for i, a := range args {
		p := codec.SerializeFormat(a.Interface(), c.format)
		if p.Format == codec.FormatPlaceholder {
			c.reportEvent("pickle_error", name, fmt.Sprintf("argument %d degraded to placeholder", i))
		}
		payloads[i] = p
		cids[i] = p.CID
		refs[i] = payloadRef{CID: p.CID, Format: p.Format}
		// The server already holds acknowledged CIDs; send only the hash.
		if !c.cidKnown(p.CID) {
			refs[i].Data = p.Bytes
		}
	}

	req := &callStartRequest{
		MethodName:       name,
		Args:             refs,
		CallSite:         site,
		ProcessPID:       c.pid,
		ProcessStartTime: c.startTime,
		PreferredFormat:  c.format,
		Signature:        fv.Type().String(),
	}
	start, err := c.startCall(req, payloads)
	if err != nil {
		slog.Warn("call/start failed, running call directly", "function", name, "error", err)
		return fv.Call(args)
	}
	c.markKnown(cids...)

	var action *breakpoint.ResumeAction
	if start.Action == "poll" {
		var resumeErr error
		action, resumeErr = c.awaitResume(ctx, name, start, args)
		if resumeErr != nil {
			return c.finishCancel(start.CallID, fv.Type(), resumeErr)
		}
	}

	callArgs := args
	status := storage.StatusSuccess
	if action != nil {
		switch action.Action {
		case breakpoint.ActionContinue, "":
		case breakpoint.ActionModify:
			callArgs = c.applyModify(fv.Type(), args, action)
		case breakpoint.ActionSkip:
			return c.finishSkip(start.CallID, fv.Type(), action)
		case breakpoint.ActionRaise:
			return c.finishRaise(start.CallID, fv.Type(), action)
		case breakpoint.ActionReplace:
			if target, ok := c.lookup(action.FunctionName); ok && target.Type() == fv.Type() {
				fv = target
				status = storage.StatusReplaced
			} else {
				slog.Warn("replace target unavailable, calling original",
					"function", name, "replacement", action.FunctionName)
			}
		}
	}

	outs, panicked := invoke(fv, callArgs)
	if panicked != nil {
		c.complete(&callCompleteRequest{
			CallID: start.CallID,
			Status: storage.StatusException,
			Exception: &storage.ExceptionInfo{
				TypeFQN:   "panic",
				Message:   fmt.Sprint(panicked.value),
				Traceback: panicked.stack,
			},
		})
		panic(panicked.value)
	}

	var exc *storage.ExceptionInfo
	var result any
	haveResult := false
	t := fv.Type()
	for i, out := range outs {
		if t.Out(i) == errType {
			if !out.IsNil() {
				callErr := out.Interface().(error)
				status = storage.StatusException
				exc = &storage.ExceptionInfo{
					TypeFQN: fmt.Sprintf("%T", callErr),
					Message: callErr.Error(),
				}
			}
			continue
		}
		if !haveResult {
			result = out.Interface()
			haveResult = true
		}
	}

	done := &callCompleteRequest{CallID: start.CallID, Status: status, Exception: exc}
	if status != storage.StatusException && haveResult {
		p := codec.SerializeFormat(result, c.format)
		done.ResultCID, done.ResultData, done.ResultFormat = p.CID, p.Bytes, p.Format
	}
	c.complete(done)
	return outs
}

// startCall posts call/start, retrying once with every payload inlined when
// the server reports cid_not_found. That happens when the local CID cache
// outlives the server's store, for instance across a server restart.
func (c *Client) startCall(req *callStartRequest, payloads []codec.Payload) (*callStartResponse, error) {
	var resp callStartResponse
	err := c.postJSON("/api/call/start", req, &resp)
	if err == nil {
		return &resp, nil
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Kind != errKindCidNotFound {
		return nil, err
	}

	var missing []string
	if raw, ok := apiErr.Body["missing_cids"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				missing = append(missing, s)
			}
		}
	}
	c.forgetKnown(missing...)
	for i := range req.Args {
		req.Args[i].Data = payloads[i].Bytes
	}
	resp = callStartResponse{}
	if err := c.postJSON("/api/call/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// awaitResume polls until the UI resumes the pause, servicing queued REPL
// evaluations between polls so expressions run against this call's
// arguments. A 404 means the pause record is gone; the call just continues.
// Context cancellation aborts the in-flight poll and returns ctx's error.
func (c *Client) awaitResume(ctx context.Context, name string, start *callStartResponse, args []reflect.Value) (*breakpoint.ResumeAction, error) {
	interval := c.pollInterval
	if start.PollIntervalMs > 0 {
		interval = time.Duration(start.PollIntervalMs) * time.Millisecond
	}

	// Bound the server-side wait to the poll interval so queued REPL
	// evaluations are serviced promptly while blocked.
	pollURL := fmt.Sprintf("%s?wait_ms=%d", start.PollURL, interval.Milliseconds())

	ev := repl.New(localsFor(args))
	began := time.Now()
	dumped := false
	for {
		c.serviceEvals(ctx, start.PauseID, ev)

		var resp pollResponse
		if err := c.getJSON(ctx, pollURL, &resp); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
				return nil, nil
			}
			slog.Warn("resume poll failed", "function", name, "error", err)
			if err := sleepCtx(ctx, interval); err != nil {
				return nil, err
			}
			continue
		}
		if resp.Status == "ready" {
			return resp.Action, nil
		}

		if c.watchdog > 0 && !dumped && time.Since(began) > c.watchdog {
			dumped = true
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			slog.Warn("call paused past watchdog threshold",
				"function", name,
				"pause_id", start.PauseID,
				"elapsed", time.Since(began),
				"stacks", string(buf[:n]))
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// localsFor names the paused call's arguments for the REPL: arg0..argN plus
// an args slice. Go keeps no runtime parameter names to do better.
func localsFor(args []reflect.Value) map[string]any {
	locals := make(map[string]any, len(args)+1)
	all := make([]any, len(args))
	for i, a := range args {
		v := a.Interface()
		locals[fmt.Sprintf("arg%d", i)] = v
		all[i] = v
	}
	locals["args"] = all
	return locals
}

func (c *Client) serviceEvals(ctx context.Context, pauseID string, ev *repl.Evaluator) {
	var resp pollReplResponse
	if err := c.getJSON(ctx, "/api/poll-repl/"+pauseID, &resp); err != nil {
		return
	}
	for _, pe := range resp.Evals {
		output, result, isError := ev.EvalValue(pe.Expr)
		res := &replResultRequest{EvalID: pe.EvalID, Output: output, IsError: isError}
		if !isError && result != nil {
			p := codec.SerializeFormat(result, c.format)
			res.ResultCID, res.ResultData = p.CID, p.Bytes
		}
		if err := c.postJSON("/api/call/repl-result", res, nil); err != nil {
			slog.Warn("repl result post failed", "eval_id", pe.EvalID, "error", err)
		}
	}
}

func (c *Client) applyModify(t reflect.Type, args []reflect.Value, action *breakpoint.ResumeAction) []reflect.Value {
	out := make([]reflect.Value, len(args))
	copy(out, args)
	for i, p := range action.ModifiedArgs {
		if i >= len(out) {
			break
		}
		v := codec.Deserialize(p.Data, p.SerializationFormat)
		out[i] = coerceValue(v, inType(t, i))
	}
	return out
}

// finishSkip reports a skipped call and synthesizes return values: the fake
// result when one was provided, zero values otherwise.
func (c *Client) finishSkip(callID string, t reflect.Type, action *breakpoint.ResumeAction) []reflect.Value {
	outs := zeroOuts(t)
	req := &callCompleteRequest{CallID: callID, Status: storage.StatusSkipped}
	if action.FakeResult != nil {
		v := codec.Deserialize(action.FakeResult.Data, action.FakeResult.SerializationFormat)
		for i := 0; i < t.NumOut(); i++ {
			if t.Out(i) != errType {
				outs[i] = coerceValue(v, t.Out(i))
				break
			}
		}
		req.ResultCID = action.FakeResult.CID
		req.ResultData = action.FakeResult.Data
		req.ResultFormat = action.FakeResult.SerializationFormat
	}
	c.complete(req)
	return outs
}

// finishCancel reports a call abandoned by context cancellation and surfaces
// the context error the way finishRaise surfaces an injected exception.
func (c *Client) finishCancel(callID string, t reflect.Type, err error) []reflect.Value {
	typeFQN := "context.Canceled"
	if errors.Is(err, context.DeadlineExceeded) {
		typeFQN = "context.DeadlineExceeded"
	}
	c.complete(&callCompleteRequest{
		CallID: callID,
		Status: storage.StatusException,
		Exception: &storage.ExceptionInfo{
			TypeFQN: typeFQN,
			Message: err.Error(),
		},
	})
	outs := zeroOuts(t)
	for i := 0; i < t.NumOut(); i++ {
		if t.Out(i) == errType {
			ev := reflect.New(errType).Elem()
			ev.Set(reflect.ValueOf(err))
			outs[i] = ev
			return outs
		}
	}
	panic(err)
}

// finishRaise surfaces a UI-injected exception: through the error return
// when the function has one, as a panic otherwise.
func (c *Client) finishRaise(callID string, t reflect.Type, action *breakpoint.ResumeAction) []reflect.Value {
	rerr := &RemoteError{Type: action.ExceptionType, Message: action.ExceptionMessage}
	c.complete(&callCompleteRequest{
		CallID: callID,
		Status: storage.StatusException,
		Exception: &storage.ExceptionInfo{
			TypeFQN: rerr.Type,
			Message: rerr.Message,
		},
	})
	outs := zeroOuts(t)
	for i := 0; i < t.NumOut(); i++ {
		if t.Out(i) == errType {
			ev := reflect.New(errType).Elem()
			ev.Set(reflect.ValueOf(rerr))
			outs[i] = ev
			return outs
		}
	}
	panic(rerr)
}

func (c *Client) complete(req *callCompleteRequest) {
	if err := c.postJSON("/api/call/complete", req, nil); err != nil {
		slog.Warn("call/complete failed", "call_id", req.CallID, "error", err)
	}
}

// reportEvent is fire and forget; losing one never affects the call.
func (c *Client) reportEvent(kind, function, message string) {
	body := map[string]any{
		"event_type":  kind,
		"method_name": function,
		"message":     message,
		"process_key": c.ProcessKey(),
	}
	if err := c.postJSON("/api/call/event", body, nil); err != nil {
		slog.Debug("call/event post failed", "error", err)
	}
}

// ---- reflection helpers ----

type panicInfo struct {
	value any
	stack string
}

func invoke(fv reflect.Value, args []reflect.Value) (outs []reflect.Value, p *panicInfo) {
	defer func() {
		if r := recover(); r != nil {
			outs = nil
			p = &panicInfo{value: r, stack: string(debug.Stack())}
		}
	}()
	return fv.Call(args), nil
}

func zeroOuts(t reflect.Type) []reflect.Value {
	outs := make([]reflect.Value, t.NumOut())
	for i := range outs {
		outs[i] = reflect.Zero(t.Out(i))
	}
	return outs
}

// inType resolves the parameter type at position i, unrolling variadics.
func inType(t reflect.Type, i int) reflect.Type {
	if t.IsVariadic() && i >= t.NumIn()-1 {
		return t.In(t.NumIn() - 1).Elem()
	}
	return t.In(i)
}

func captureCallSite(skip int) *storage.CallSite {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return nil
	}
	site := &storage.CallSite{
		Filename:  file,
		Lineno:    line,
		Timestamp: storage.EpochSeconds(time.Now()),
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		site.Function = fn.Name()
	}
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		site.StackTrace = append(site.StackTrace, storage.Frame{
			Filename: fr.File,
			Lineno:   fr.Line,
			Function: fr.Function,
		})
		if !more {
			break
		}
	}
	return site
}
