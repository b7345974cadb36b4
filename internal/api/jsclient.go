package api

import (
	"net/http"
	"strings"
)

// handleDebugClientJS serves a self-contained ES module so a browser page can
// join a debug session with one import. The server substitutes its own base
// URL so the page needs no configuration.
func (s *Server) handleDebugClientJS(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := scheme + "://" + r.Host
	body := strings.ReplaceAll(debugClientJS, "__BASE_URL__", base)
	w.Header().Set("Content-Type", "application/javascript")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// JS peers speak the json serialization format; payload CIDs are sha-512 of
// the utf-8 JSON bytes, matching the server's ComputeCID.
const debugClientJS = `// cideldill browser debug client (served by the debug server).
const BASE_URL = "__BASE_URL__";

const PROCESS_START = Date.now() / 1000;
const PROCESS_PID = Math.floor(Math.random() * 1e6);

const enc = new TextEncoder();
const dec = new TextDecoder();

async function sha512hex(bytes) {
  const digest = await crypto.subtle.digest("SHA-512", bytes);
  return Array.from(new Uint8Array(digest))
    .map((b) => b.toString(16).padStart(2, "0"))
    .join("");
}

function b64(bytes) {
  let s = "";
  for (const b of bytes) s += String.fromCharCode(b);
  return btoa(s);
}

function unb64(s) {
  const raw = atob(s);
  const out = new Uint8Array(raw.length);
  for (let i = 0; i < raw.length; i++) out[i] = raw.charCodeAt(i);
  return out;
}

async function encodePayload(value) {
  const bytes = enc.encode(JSON.stringify(value === undefined ? null : value));
  return { cid: await sha512hex(bytes), data: b64(bytes), format: "json" };
}

function decodePayload(payload) {
  if (!payload || !payload.data) return null;
  return JSON.parse(dec.decode(unb64(payload.data)));
}

async function post(path, body) {
  const resp = await fetch(BASE_URL + path, {
    method: "POST",
    headers: { "Content-Type": "application/json" },
    body: JSON.stringify(body),
  });
  const data = await resp.json();
  if (!resp.ok) {
    const err = new Error(data.error || "request failed");
    err.detail = data;
    throw err;
  }
  return data;
}

const sleep = (ms) => new Promise((r) => setTimeout(r, ms));

async function servicePendingEvals(pauseId, locals) {
  const resp = await fetch(BASE_URL + "/api/poll-repl/" + pauseId);
  if (!resp.ok) return;
  const { evals } = await resp.json();
  for (const ev of evals || []) {
    let output, isError = false;
    try {
      // Evaluated against the paused frame's locals.
      const f = new Function(...Object.keys(locals), "return (" + ev.expr + ");");
      output = String(f(...Object.values(locals)));
    } catch (e) {
      output = String(e);
      isError = true;
    }
    await post("/api/call/repl-result", {
      eval_id: ev.eval_id,
      output,
      is_error: isError,
    });
  }
}

export async function debugCall(name, fn, thisArg, args) {
  const argRefs = await Promise.all(args.map(encodePayload));
  let start;
  try {
    start = await post("/api/call/start", {
      method_name: name,
      args: argRefs,
      process_pid: PROCESS_PID,
      process_start_time: PROCESS_START,
      page_url: typeof location !== "undefined" ? location.href : "",
      preferred_format: "json",
    });
  } catch (e) {
    // Server unreachable: run the call directly rather than break the page.
    return fn.apply(thisArg, args);
  }

  let callArgs = args;
  let action = null;
  if (start.action === "poll") {
    const locals = Object.fromEntries(args.map((a, i) => ["arg" + i, a]));
    const interval = start.poll_interval_ms || 100;
    // Bound the server-side wait so queued REPL evals are serviced promptly.
    const pollUrl = start.poll_url + "?wait_ms=" + interval;
    for (;;) {
      await servicePendingEvals(start.pause_id, locals);
      const resp = await fetch(BASE_URL + pollUrl);
      if (resp.status === 404) break;
      const data = await resp.json();
      if (data.status === "ready") { action = data.action; break; }
      await sleep(interval);
    }
  }

  const complete = async (status, result, exception) =>
    post("/api/call/complete", {
      call_id: start.call_id,
      status,
      ...(result !== undefined
        ? await encodePayload(result).then((p) => ({
            result_cid: p.cid, result_data: p.data, result_format: "json" }))
        : {}),
      ...(exception ? { exception } : {}),
    }).catch(() => {});

  if (action) {
    switch (action.action) {
      case "modify":
        callArgs = (action.modified_args || []).map(decodePayload);
        break;
      case "skip": {
        const result = action.fake_result ? decodePayload(action.fake_result) : null;
        await complete("skipped", result);
        return result;
      }
      case "raise": {
        const err = new Error(action.exception_message || action.exception_type);
        err.name = action.exception_type || "Error";
        await complete("exception", undefined, {
          type_fqn: err.name, message: err.message });
        throw err;
      }
    }
  }

  try {
    const result = await fn.apply(thisArg, callArgs);
    await complete("success", result);
    return result;
  } catch (e) {
    await complete("exception", undefined, {
      type_fqn: e.name || "Error",
      message: String(e.message || e),
      traceback: e.stack || "",
    });
    throw e;
  }
}

// debugCallSync runs fn synchronously and reports the call in the background.
// Browsers cannot block the main thread, so sync calls never pause at a
// breakpoint; they are recorded with their args and result only.
export function debugCallSync(name, fn, thisArg, args) {
  const report = (async () => {
    const argRefs = await Promise.all(args.map(encodePayload));
    return post("/api/call/start", {
      method_name: name,
      args: argRefs,
      process_pid: PROCESS_PID,
      process_start_time: PROCESS_START,
      page_url: typeof location !== "undefined" ? location.href : "",
      preferred_format: "json",
    });
  })();

  // A sync call cannot block at a breakpoint, but the server may still have
  // paused it. Wait out the pause in the background (discarding the resume
  // action) so no phantom paused execution lingers in the UI.
  const drainPause = async (start) => {
    if (start.action !== "poll") return;
    const interval = start.poll_interval_ms || 100;
    for (;;) {
      const resp = await fetch(BASE_URL + start.poll_url + "?wait_ms=" + interval);
      if (resp.status === 404) return;
      const data = await resp.json();
      if (data.status === "ready") return;
      await sleep(interval);
    }
  };

  const finish = (status, result, exception) =>
    report
      .then(async (start) => drainPause(start).then(() => start))
      .then(async (start) =>
        post("/api/call/complete", {
          call_id: start.call_id,
          status,
          ...(result !== undefined
            ? await encodePayload(result).then((p) => ({
                result_cid: p.cid, result_data: p.data, result_format: "json" }))
            : {}),
          ...(exception ? { exception } : {}),
        }))
      .catch(() => {});

  try {
    const result = fn.apply(thisArg, args);
    finish("success", result);
    return result;
  } catch (e) {
    finish("exception", undefined, {
      type_fqn: e.name || "Error",
      message: String(e.message || e),
      traceback: e.stack || "",
    });
    throw e;
  }
}

// withDebug wraps a function so every call is intercepted.
export function withDebug(fn, name) {
  const fnName = name || fn.name || "anonymous";
  return function (...args) {
    return debugCall(fnName, fn, this, args);
  };
}
`
