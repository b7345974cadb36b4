// Package breakpoint is the thread-safe authority on debug state: which
// functions pause, which executions are paused, what action resumes each of
// them, and which REPL sessions hang off a pause. Observers are fanned out
// outside the lock so they can call back in.
package breakpoint

import (
	"github.com/cideldill/cideldill/internal/storage"
)

// Behavior controls what happens when a breakpoint function is hit.
type Behavior string

const (
	BehaviorStop Behavior = "stop"
	BehaviorGo   Behavior = "go"
)

// NormalizeBehavior maps wire aliases onto the canonical values. Some client
// variants send "continue" where others send "go"; internally only "go" is
// stored.
func NormalizeBehavior(s string) (Behavior, bool) {
	switch s {
	case "stop":
		return BehaviorStop, true
	case "go", "continue":
		return BehaviorGo, true
	}
	return "", false
}

// Resume action kinds.
const (
	ActionContinue = "continue"
	ActionModify   = "modify"
	ActionSkip     = "skip"
	ActionRaise    = "raise"
	ActionReplace  = "replace"
)

// ActionPayload is an encoded value inside a resume action. The explicit
// serialization format lets a JS debuggee decode json while a native
// debuggee consumes binary.
type ActionPayload struct {
	CID                 string `json:"cid"`
	Data                []byte `json:"data,omitempty"`
	SerializationFormat string `json:"serialization_format"`
}

// ResumeAction is the tagged union posted by the UI to resume a pause.
type ResumeAction struct {
	Action           string                   `json:"action"`
	ModifiedArgs     []ActionPayload          `json:"modified_args,omitempty"`
	ModifiedKwargs   map[string]ActionPayload `json:"modified_kwargs,omitempty"`
	FakeResult       *ActionPayload           `json:"fake_result,omitempty"`
	ExceptionType    string                   `json:"exception_type,omitempty"`
	ExceptionMessage string                   `json:"exception_message,omitempty"`
	FunctionName     string                   `json:"function_name,omitempty"`
}

// CallData is the snapshot of an intercepted call taken at call/start. It is
// what the UI inspects while the host blocks.
type CallData struct {
	CallID           string            `json:"call_id"`
	MethodName       string            `json:"method_name"`
	PrettyArgs       []any             `json:"pretty_args"`
	PrettyKwargs     map[string]any    `json:"pretty_kwargs,omitempty"`
	ArgCIDs          []string          `json:"arg_cids,omitempty"`
	KwargCIDs        map[string]string `json:"kwarg_cids,omitempty"`
	TargetCID        string            `json:"target_cid,omitempty"`
	Signature        string            `json:"signature,omitempty"`
	CallSite         *storage.CallSite `json:"call_site,omitempty"`
	ProcessPID       int               `json:"process_pid"`
	ProcessStartTime float64           `json:"process_start_time"`
	ProcessKey       string            `json:"process_key"`
	PageURL          string            `json:"page_url,omitempty"`
	PreferredFormat  string            `json:"preferred_format,omitempty"`
	StartedAt        float64           `json:"started_at"`
}

// PausedExecution is a host call blocked at a breakpoint. It lives only
// while the host blocks and is removed on resume.
type PausedExecution struct {
	PauseID         string    `json:"pause_id"`
	CallData        *CallData `json:"call_data"`
	PausedAt        float64   `json:"paused_at"`
	PreferredFormat string    `json:"preferred_format,omitempty"`

	resume chan *ResumeAction
}

// TranscriptEntry is one REPL exchange inside a session.
type TranscriptEntry struct {
	Index     int     `json:"index"`
	Input     string  `json:"input"`
	Output    string  `json:"output"`
	Error     string  `json:"error,omitempty"`
	IsError   bool    `json:"is_error"`
	ResultCID string  `json:"result_cid,omitempty"`
	CreatedAt float64 `json:"created_at"`
}

// ReplSession tracks one expression evaluator bound to a paused execution.
// Auto-closed when its pause resumes; listable afterwards.
type ReplSession struct {
	SessionID  string            `json:"session_id"`
	PauseID    string            `json:"pause_id"`
	PID        int               `json:"pid"`
	StartedAt  float64           `json:"started_at"`
	ClosedAt   float64           `json:"closed_at,omitempty"`
	Transcript []TranscriptEntry `json:"transcript"`
}

// Open reports whether the session is still accepting evaluations.
func (s *ReplSession) Open() bool { return s.ClosedAt == 0 }

// Observer receives manager state transitions (execution_paused,
// execution_resumed, call_completed, call_event). Callbacks run outside the
// manager lock and may call back in; a panicking observer is logged and
// never affects other observers or the caller.
type Observer func(event string, payload any)

// Observer event names.
const (
	EventExecutionPaused  = "execution_paused"
	EventExecutionResumed = "execution_resumed"
	EventCallCompleted    = "call_completed"
	EventCallEvent        = "call_event"
)
