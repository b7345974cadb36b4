package breakpoint

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cideldill/cideldill/internal/storage"
)

// PendingEval is an expression queued for the debuggee to evaluate inside
// the paused frame. The host pops these via poll-repl while it blocks.
type PendingEval struct {
	EvalID    string `json:"eval_id"`
	SessionID string `json:"session_id"`
	PauseID   string `json:"pause_id"`
	Expr      string `json:"expr"`
}

// EvalResult is the debuggee's answer to a PendingEval.
type EvalResult struct {
	EvalID    string `json:"eval_id"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error"`
	ResultCID string `json:"result_cid,omitempty"`
}

// StartSession opens a REPL session on an active pause. The session id is
// "<pid>-<epoch_6dp>" so transcripts group by host process.
func (m *Manager) StartSession(pauseID string) (*ReplSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pe, ok := m.paused[pauseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPauseNotFound, pauseID)
	}
	now := storage.EpochSeconds(time.Now())
	sess := &ReplSession{
		SessionID:  fmt.Sprintf("%d-%.6f", pe.CallData.ProcessPID, now),
		PauseID:    pauseID,
		PID:        pe.CallData.ProcessPID,
		StartedAt:  now,
		Transcript: make([]TranscriptEntry, 0),
	}
	m.sessions[sess.SessionID] = sess
	return sess, nil
}

// GetSession returns a session by id, or an error for unknown ids.
func (m *Manager) GetSession(sessionID string) (*ReplSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// AppendTranscript records one exchange on a session.
func (m *Manager) AppendTranscript(sessionID, input, output, errText string, isError bool, resultCID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.Transcript = append(sess.Transcript, TranscriptEntry{
		Index:     len(sess.Transcript),
		Input:     input,
		Output:    output,
		Error:     errText,
		IsError:   isError,
		ResultCID: resultCID,
		CreatedAt: storage.EpochSeconds(time.Now()),
	})
	return nil
}

// CloseSession marks a session closed. Idempotent.
func (m *Manager) CloseSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.Open() {
		sess.ClosedAt = storage.EpochSeconds(time.Now())
	}
	return nil
}

// SessionFilters narrows ListSessions. Status is "open", "closed" or "".
type SessionFilters struct {
	Status string
	Search string
	FromTS float64
	ToTS   float64
}

// ListSessions returns sessions newest-last, filtered by status, transcript
// substring and start-time window.
func (m *Manager) ListSessions(f SessionFilters) []*ReplSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ReplSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if f.Status == "open" && !sess.Open() {
			continue
		}
		if f.Status == "closed" && sess.Open() {
			continue
		}
		if f.FromTS > 0 && sess.StartedAt < f.FromTS {
			continue
		}
		if f.ToTS > 0 && sess.StartedAt > f.ToTS {
			continue
		}
		if f.Search != "" && !sessionMatches(sess, f.Search) {
			continue
		}
		out = append(out, sess)
	}
	// Oldest first, matching call-log ordering.
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt < out[j].StartedAt })
	return out
}

func sessionMatches(sess *ReplSession, search string) bool {
	for _, entry := range sess.Transcript {
		if strings.Contains(entry.Input, search) || strings.Contains(entry.Output, search) {
			return true
		}
	}
	return false
}

// ---- eval bridge ----
//
// The paused frame's locals live in the debuggee, so /repl/eval cannot run
// the expression server-side. Instead the expression is queued here, the
// blocked host pops it via poll-repl, evaluates it in the frame, and posts
// the result back; the /repl/eval handler waits on the channel.

// EnqueueEval queues an expression for the debuggee paused at pauseID and
// returns a channel the result will arrive on.
func (m *Manager) EnqueueEval(pauseID, sessionID, expr string) (*PendingEval, <-chan *EvalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paused[pauseID]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPauseNotFound, pauseID)
	}
	pending := &PendingEval{
		EvalID:    uuid.New().String(),
		SessionID: sessionID,
		PauseID:   pauseID,
		Expr:      expr,
	}
	ch := make(chan *EvalResult, 1)
	m.pendingEvals[pauseID] = append(m.pendingEvals[pauseID], pending)
	m.evalWaiters[pending.EvalID] = ch
	return pending, ch, nil
}

// PollEvals pops all queued expressions for a pause.
func (m *Manager) PollEvals(pauseID string) []*PendingEval {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pendingEvals[pauseID]
	delete(m.pendingEvals, pauseID)
	return pending
}

// ResolveEval delivers the debuggee's result to the waiting /repl/eval
// handler. Unknown eval ids (waiter timed out) are dropped.
func (m *Manager) ResolveEval(res *EvalResult) {
	m.mu.Lock()
	ch, ok := m.evalWaiters[res.EvalID]
	delete(m.evalWaiters, res.EvalID)
	m.mu.Unlock()
	if ok {
		ch <- res
	}
}

// AbandonEval drops a waiter whose handler gave up.
func (m *Manager) AbandonEval(evalID string) {
	m.mu.Lock()
	delete(m.evalWaiters, evalID)
	m.mu.Unlock()
}
