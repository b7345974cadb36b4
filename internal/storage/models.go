package storage

import (
	"fmt"
	"time"
)

// Call completion statuses.
const (
	StatusSuccess   = "success"
	StatusException = "exception"
	StatusSkipped   = "skipped"
	StatusReplaced  = "replaced"
)

// Frame is one entry of a captured call stack.
type Frame struct {
	Filename    string `json:"filename"`
	Lineno      int    `json:"lineno"`
	Function    string `json:"function"`
	CodeContext string `json:"code_context,omitempty"`
}

// CallSite records where in the host an intercepted call originated.
type CallSite struct {
	Filename    string  `json:"filename"`
	Lineno      int     `json:"lineno"`
	Function    string  `json:"function"`
	CodeContext string  `json:"code_context,omitempty"`
	Timestamp   float64 `json:"timestamp"`
	StackTrace  []Frame `json:"stack_trace,omitempty"`
}

// ExceptionInfo describes a call that completed by raising.
type ExceptionInfo struct {
	TypeFQN   string `json:"type_fqn"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// CallRecord is one completed interception, persisted append-only.
type CallRecord struct {
	CallID           string         `json:"call_id"`
	MethodName       string         `json:"method_name"`
	Status           string         `json:"status"`
	PrettyArgs       []any          `json:"pretty_args"`
	PrettyKwargs     map[string]any `json:"pretty_kwargs,omitempty"`
	Signature        string         `json:"signature,omitempty"`
	CallSite         *CallSite      `json:"call_site,omitempty"`
	ProcessPID       int            `json:"process_pid"`
	ProcessStartTime float64        `json:"process_start_time"`
	ProcessKey       string         `json:"process_key"`
	PageURL          string         `json:"page_url,omitempty"`
	StartedAt        float64        `json:"started_at"`
	CompletedAt      float64        `json:"completed_at"`
	ResultCID        string         `json:"result_cid,omitempty"`
	PrettyResult     any            `json:"pretty_result,omitempty"`
	Exception        *ExceptionInfo `json:"exception,omitempty"`
	ReplSessions     []string       `json:"repl_sessions,omitempty"`
}

// ProcessKey identifies one host process across time:
// "<start_time_seconds_6dp>+<pid>". Stable for the process lifetime and
// monotonically newer than any prior process at the same pid.
func ProcessKey(startTime float64, pid int) string {
	return fmt.Sprintf("%.6f+%d", startTime, pid)
}

// EpochSeconds renders t as fractional Unix seconds, the timestamp unit used
// throughout the wire protocol.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
