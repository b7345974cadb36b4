package breakpoint

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cideldill/cideldill/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(db.Calls())
}

func callData(fn string) *CallData {
	return &CallData{
		CallID:     "p:1",
		MethodName: fn,
		ProcessPID: 100,
		ProcessKey: "p",
	}
}

func TestBreakpointCRUD(t *testing.T) {
	m := newTestManager(t)
	assert.Empty(t, m.ListBreakpoints())

	m.AddBreakpoint("pkg.B")
	m.AddBreakpoint("pkg.A")
	m.AddBreakpoint("pkg.A") // duplicate is a no-op
	assert.Equal(t, []string{"pkg.A", "pkg.B"}, m.ListBreakpoints())

	m.RemoveBreakpoint("pkg.A")
	assert.Equal(t, []string{"pkg.B"}, m.ListBreakpoints())

	m.ClearBreakpoints()
	assert.Empty(t, m.ListBreakpoints())
}

func TestShouldPause(t *testing.T) {
	m := newTestManager(t)
	m.AddBreakpoint("pkg.F")

	assert.True(t, m.ShouldPause("pkg.F"))
	assert.False(t, m.ShouldPause("pkg.Other"))

	// Global behavior "go" disarms every breakpoint.
	m.SetDefaultBehavior(BehaviorGo)
	assert.False(t, m.ShouldPause("pkg.F"))

	// A per-function override wins over the default.
	m.SetAfterBehavior("pkg.F", BehaviorStop)
	assert.True(t, m.ShouldPause("pkg.F"))

	m.SetDefaultBehavior(BehaviorStop)
	m.SetAfterBehavior("pkg.F", BehaviorGo)
	assert.False(t, m.ShouldPause("pkg.F"))

	// Removing the breakpoint drops its override too.
	m.RemoveBreakpoint("pkg.F")
	m.AddBreakpoint("pkg.F")
	assert.True(t, m.ShouldPause("pkg.F"))
}

func TestNormalizeBehavior(t *testing.T) {
	b, ok := NormalizeBehavior("continue")
	require.True(t, ok)
	assert.Equal(t, BehaviorGo, b)

	b, ok = NormalizeBehavior("go")
	require.True(t, ok)
	assert.Equal(t, BehaviorGo, b)

	b, ok = NormalizeBehavior("stop")
	require.True(t, ok)
	assert.Equal(t, BehaviorStop, b)

	_, ok = NormalizeBehavior("maybe")
	assert.False(t, ok)
}

func TestPauseResumeLifecycle(t *testing.T) {
	m := newTestManager(t)

	pauseID := m.AddPaused(callData("pkg.F"))
	require.NotEmpty(t, pauseID)
	require.NotNil(t, m.GetPaused(pauseID))
	assert.Len(t, m.ListPaused(), 1)

	// A pause is in the paused set iff no resume action is recorded.
	assert.Nil(t, m.PeekResumeAction(pauseID))

	action := &ResumeAction{Action: ActionContinue}
	require.NoError(t, m.Resume(pauseID, action))

	assert.Nil(t, m.GetPaused(pauseID))
	assert.Empty(t, m.ListPaused())
	assert.Same(t, action, m.PeekResumeAction(pauseID))
	assert.Same(t, action, m.PopResumeAction(pauseID))
	assert.Nil(t, m.PopResumeAction(pauseID))
}

func TestResumeUnknownPause(t *testing.T) {
	m := newTestManager(t)
	err := m.Resume("nope", &ResumeAction{Action: ActionContinue})
	assert.ErrorIs(t, err, ErrPauseNotFound)
}

func TestResumeIsNotIdempotent(t *testing.T) {
	m := newTestManager(t)
	pauseID := m.AddPaused(callData("pkg.F"))
	require.NoError(t, m.Resume(pauseID, &ResumeAction{Action: ActionContinue}))
	assert.ErrorIs(t, m.Resume(pauseID, &ResumeAction{Action: ActionSkip}), ErrPauseNotFound)
}

func TestWaitForResumeUnblocks(t *testing.T) {
	m := newTestManager(t)
	pauseID := m.AddPaused(callData("pkg.F"))

	var wg sync.WaitGroup
	wg.Add(1)
	var got *ResumeAction
	go func() {
		defer wg.Done()
		got = m.WaitForResume(pauseID, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Resume(pauseID, &ResumeAction{Action: ActionSkip}))
	wg.Wait()

	require.NotNil(t, got)
	assert.Equal(t, ActionSkip, got.Action)
	assert.Nil(t, m.PeekResumeAction(pauseID), "claimed action must be released")
}

func TestWaitForResumeTimesOut(t *testing.T) {
	m := newTestManager(t)
	pauseID := m.AddPaused(callData("pkg.F"))

	start := time.Now()
	got := m.WaitForResume(pauseID, 30*time.Millisecond)
	assert.Nil(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForResumeAfterResume(t *testing.T) {
	m := newTestManager(t)
	pauseID := m.AddPaused(callData("pkg.F"))
	require.NoError(t, m.Resume(pauseID, &ResumeAction{Action: ActionRaise}))

	got := m.WaitForResume(pauseID, 10*time.Millisecond)
	require.NotNil(t, got)
	assert.Equal(t, ActionRaise, got.Action)

	// The action is claimed exactly once; a second wait has nothing left.
	assert.Nil(t, m.PeekResumeAction(pauseID))
	assert.Nil(t, m.WaitForResume(pauseID, 10*time.Millisecond))
}

func TestObserversFireOutsideLock(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var events []string
	m.AddObserver(func(event string, payload any) {
		// Re-entering the manager from an observer must not deadlock.
		_ = m.ListPaused()
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	// A panicking observer never disturbs the others.
	m.AddObserver(func(event string, payload any) { panic("boom") })

	pauseID := m.AddPaused(callData("pkg.F"))
	require.NoError(t, m.Resume(pauseID, &ResumeAction{Action: ActionContinue}))
	m.NotifyCallEvent(map[string]any{"event_type": "transport"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventExecutionPaused, EventExecutionResumed, EventCallEvent}, events)
}

func TestRecordCallDispatchesAndPersists(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	completed := 0
	m.AddObserver(func(event string, payload any) {
		if event == EventCallCompleted {
			mu.Lock()
			completed++
			mu.Unlock()
		}
	})

	rec := &storage.CallRecord{
		CallID:     "p:9",
		MethodName: "pkg.F",
		Status:     storage.StatusSuccess,
		ProcessKey: "p",
		StartedAt:  1,
	}
	require.NoError(t, m.RecordCall(rec))

	got, err := m.calls.Get("p:9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pkg.F", got.MethodName)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, completed)
}

func TestRegisterFunction(t *testing.T) {
	m := newTestManager(t)
	m.RegisterFunction("pkg.F", "func(int) int")
	m.RegisterFunction("pkg.G", "func() error")
	assert.Equal(t, map[string]string{
		"pkg.F": "func(int) int",
		"pkg.G": "func() error",
	}, m.RegisteredFunctions())
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StartSession("nope")
	assert.ErrorIs(t, err, ErrPauseNotFound)

	pauseID := m.AddPaused(callData("pkg.F"))
	sess, err := m.StartSession(pauseID)
	require.NoError(t, err)
	assert.True(t, sess.Open())
	assert.Equal(t, pauseID, sess.PauseID)

	require.NoError(t, m.AppendTranscript(sess.SessionID, "x+1", "4", "", false, ""))
	require.NoError(t, m.AppendTranscript(sess.SessionID, "boom", "repl.Error: no", "repl.Error: no", true, ""))

	got, err := m.GetSession(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, got.Transcript, 2)
	assert.Equal(t, 0, got.Transcript[0].Index)
	assert.Equal(t, 1, got.Transcript[1].Index)
	assert.True(t, got.Transcript[1].IsError)

	// Resuming the pause auto-closes its open sessions.
	require.NoError(t, m.Resume(pauseID, &ResumeAction{Action: ActionContinue}))
	got, err = m.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.False(t, got.Open())

	// Transcripts stay listable after close.
	closed := m.ListSessions(SessionFilters{Status: "closed"})
	require.Len(t, closed, 1)
	assert.Empty(t, m.ListSessions(SessionFilters{Status: "open"}))
}

func TestListSessionsSearch(t *testing.T) {
	m := newTestManager(t)
	pauseID := m.AddPaused(callData("pkg.F"))

	sess, err := m.StartSession(pauseID)
	require.NoError(t, err)
	require.NoError(t, m.AppendTranscript(sess.SessionID, "user.Name", `"ada"`, "", false, ""))

	assert.Len(t, m.ListSessions(SessionFilters{Search: "user.Name"}), 1)
	assert.Len(t, m.ListSessions(SessionFilters{Search: "ada"}), 1)
	assert.Empty(t, m.ListSessions(SessionFilters{Search: "zzz"}))
}

func TestEvalBridge(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.EnqueueEval("nope", "s", "x")
	assert.ErrorIs(t, err, ErrPauseNotFound)

	pauseID := m.AddPaused(callData("pkg.F"))
	pending, ch, err := m.EnqueueEval(pauseID, "sess", "x + 1")
	require.NoError(t, err)
	assert.Equal(t, "x + 1", pending.Expr)

	// Debuggee pops the queue; a second poll is empty.
	popped := m.PollEvals(pauseID)
	require.Len(t, popped, 1)
	assert.Equal(t, pending.EvalID, popped[0].EvalID)
	assert.Empty(t, m.PollEvals(pauseID))

	m.ResolveEval(&EvalResult{EvalID: pending.EvalID, Output: "4"})
	select {
	case res := <-ch:
		assert.Equal(t, "4", res.Output)
	case <-time.After(time.Second):
		t.Fatal("eval result never delivered")
	}

	// Resolving an abandoned eval id is dropped silently.
	m.AbandonEval("gone")
	m.ResolveEval(&EvalResult{EvalID: "gone", Output: "ignored"})
}
