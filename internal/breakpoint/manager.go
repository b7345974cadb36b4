package breakpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cideldill/cideldill/internal/storage"
)

// Errors surfaced over the wire as 4xx kinds.
var (
	ErrPauseNotFound   = errors.New("pause not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
)

// Manager owns all mutable debug state behind a single mutex. Per-pause
// buffered channels stand in for condition variables: Resume fills the
// channel, WaitForResume selects on it with a deadline.
type Manager struct {
	mu sync.Mutex

	breakpoints     map[string]struct{}
	afterBehavior   map[string]Behavior
	defaultBehavior Behavior

	paused        map[string]*PausedExecution
	resumeActions map[string]*ResumeAction

	sessions     map[string]*ReplSession
	pendingEvals map[string][]*PendingEval // pause_id -> queued expressions
	evalWaiters  map[string]chan *EvalResult

	registered map[string]string // function name -> signature hint

	observers []Observer

	calls *storage.CallStore
}

// NewManager creates a manager with default behavior "stop" (hitting a
// breakpoint pauses unless overridden).
func NewManager(calls *storage.CallStore) *Manager {
	return &Manager{
		breakpoints:     make(map[string]struct{}),
		afterBehavior:   make(map[string]Behavior),
		defaultBehavior: BehaviorStop,
		paused:          make(map[string]*PausedExecution),
		resumeActions:   make(map[string]*ResumeAction),
		sessions:        make(map[string]*ReplSession),
		pendingEvals:    make(map[string][]*PendingEval),
		evalWaiters:     make(map[string]chan *EvalResult),
		registered:      make(map[string]string),
		calls:           calls,
	}
}

// AddObserver registers a fan-out callback for state transitions.
func (m *Manager) AddObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// dispatch fires observers outside the lock. Callers must NOT hold m.mu.
func (m *Manager) dispatch(event string, payload any) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("observer panicked", "event", event, "panic", r)
				}
			}()
			obs(event, payload)
		}()
	}
}

// ---- breakpoints ----

// AddBreakpoint marks a function name for interception.
func (m *Manager) AddBreakpoint(name string) {
	m.mu.Lock()
	m.breakpoints[name] = struct{}{}
	m.mu.Unlock()
	slog.Info("breakpoint added", "function", name)
}

// RemoveBreakpoint clears one breakpoint and its per-name override.
func (m *Manager) RemoveBreakpoint(name string) {
	m.mu.Lock()
	delete(m.breakpoints, name)
	delete(m.afterBehavior, name)
	m.mu.Unlock()
}

// ClearBreakpoints removes everything.
func (m *Manager) ClearBreakpoints() {
	m.mu.Lock()
	m.breakpoints = make(map[string]struct{})
	m.afterBehavior = make(map[string]Behavior)
	m.mu.Unlock()
}

// ListBreakpoints returns the breakpoint names sorted.
func (m *Manager) ListBreakpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.breakpoints))
	for name := range m.breakpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDefaultBehavior sets the behavior applied to breakpoints without a
// per-name override.
func (m *Manager) SetDefaultBehavior(b Behavior) {
	m.mu.Lock()
	m.defaultBehavior = b
	m.mu.Unlock()
}

// DefaultBehavior returns the current default.
func (m *Manager) DefaultBehavior() Behavior {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultBehavior
}

// SetAfterBehavior overrides the default for one function name.
func (m *Manager) SetAfterBehavior(name string, b Behavior) {
	m.mu.Lock()
	m.afterBehavior[name] = b
	m.mu.Unlock()
}

// ShouldPause reports whether a call to name must block: name is a
// breakpoint and its effective behavior is stop.
func (m *Manager) ShouldPause(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakpoints[name]; !ok {
		return false
	}
	behavior := m.defaultBehavior
	if override, ok := m.afterBehavior[name]; ok {
		behavior = override
	}
	return behavior == BehaviorStop
}

// ---- paused executions ----

// AddPaused registers a paused execution for call data and dispatches
// execution_paused. Returns the fresh pause id.
func (m *Manager) AddPaused(data *CallData) string {
	pauseID := uuid.New().String()
	pe := &PausedExecution{
		PauseID:         pauseID,
		CallData:        data,
		PausedAt:        storage.EpochSeconds(time.Now()),
		PreferredFormat: data.PreferredFormat,
		resume:          make(chan *ResumeAction, 1),
	}
	m.mu.Lock()
	m.paused[pauseID] = pe
	m.mu.Unlock()

	m.dispatch(EventExecutionPaused, pe)
	slog.Info("execution paused", "pause_id", pauseID, "function", data.MethodName)
	return pauseID
}

// ListPaused returns the currently paused executions, oldest first.
func (m *Manager) ListPaused() []*PausedExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PausedExecution, 0, len(m.paused))
	for _, pe := range m.paused {
		out = append(out, pe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PausedAt < out[j].PausedAt })
	return out
}

// GetPaused returns one paused execution, or nil.
func (m *Manager) GetPaused(pauseID string) *PausedExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[pauseID]
}

// Resume records the action for a pause, removes it from the paused set,
// auto-closes its open REPL sessions, wakes the blocked worker and
// dispatches execution_resumed. A pause id is in the paused set iff no
// resume action has been recorded for it. The recorded action lives only
// until the worker claims it through WaitForResume or PopResumeAction.
func (m *Manager) Resume(pauseID string, action *ResumeAction) error {
	m.mu.Lock()
	pe, ok := m.paused[pauseID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPauseNotFound, pauseID)
	}
	delete(m.paused, pauseID)
	m.resumeActions[pauseID] = action

	now := storage.EpochSeconds(time.Now())
	for _, sess := range m.sessions {
		if sess.PauseID == pauseID && sess.Open() {
			sess.ClosedAt = now
		}
	}
	m.mu.Unlock()

	// Wake the blocked worker. Buffered, so this never blocks the resumer.
	pe.resume <- action

	m.dispatch(EventExecutionResumed, map[string]any{
		"pause_id": pauseID,
		"action":   action.Action,
	})
	slog.Info("execution resumed", "pause_id", pauseID, "action", action.Action)
	return nil
}

// PopResumeAction removes and returns the recorded action, or nil.
func (m *Manager) PopResumeAction(pauseID string) *ResumeAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	action := m.resumeActions[pauseID]
	delete(m.resumeActions, pauseID)
	return action
}

// PeekResumeAction returns the recorded action without consuming it.
func (m *Manager) PeekResumeAction(pauseID string) *ResumeAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeActions[pauseID]
}

// WaitForResume blocks until an action is posted for the pause or the
// timeout elapses (nil on timeout; the client treats nil as continue). The
// recorded action is claimed exactly once: delivery releases its entry so a
// long-lived server does not accumulate actions for resumed pauses.
func (m *Manager) WaitForResume(pauseID string, timeout time.Duration) *ResumeAction {
	m.mu.Lock()
	pe, ok := m.paused[pauseID]
	if !ok {
		// Already resumed: hand back the recorded action if still unclaimed.
		action := m.resumeActions[pauseID]
		delete(m.resumeActions, pauseID)
		m.mu.Unlock()
		return action
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case action := <-pe.resume:
		m.mu.Lock()
		delete(m.resumeActions, pauseID)
		m.mu.Unlock()
		return action
	case <-timer.C:
		return nil
	}
}

// ---- function registry ----

// RegisterFunction stores a signature hint for the UI.
func (m *Manager) RegisterFunction(name, signature string) {
	m.mu.Lock()
	m.registered[name] = signature
	m.mu.Unlock()
}

// RegisteredFunctions returns a copy of the signature hints.
func (m *Manager) RegisteredFunctions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.registered))
	for k, v := range m.registered {
		out[k] = v
	}
	return out
}

// ---- call log ----

// RecordCall appends the record to the persistent log and dispatches
// call_completed.
func (m *Manager) RecordCall(rec *storage.CallRecord) error {
	if err := m.calls.Record(rec); err != nil {
		return err
	}
	m.dispatch(EventCallCompleted, rec)
	return nil
}

// NotifyCallEvent fans out a fire-and-forget client event (pickle_error and
// friends) without persisting anything.
func (m *Manager) NotifyCallEvent(payload any) {
	m.dispatch(EventCallEvent, payload)
}
