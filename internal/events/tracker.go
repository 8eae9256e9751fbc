package events

import (
	"sort"
	"sync"
	"time"
)

// Run lifecycle states.
const (
	RunRunning  = "running"
	RunTerminal = "terminal"
)

// DefaultCleanupDelay is how long a finished run stays queryable.
const DefaultCleanupDelay = 300 * time.Second

type runState struct {
	status       string
	terminalType string
	startedAt    time.Time
	terminalAt   time.Time
	timer        *time.Timer
}

// RunInfo is a snapshot of one run's lifecycle.
type RunInfo struct {
	RunID        string    `json:"run_id"`
	Status       string    `json:"status"`
	TerminalType string    `json:"terminal_type,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	TerminalAt   time.Time `json:"terminal_at,omitempty"`
}

// Tracker records which runs have sent their terminal event.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*runState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*runState)}
}

// StartRun registers runID as running. Restarting a known run is a no-op.
func (t *Tracker) StartRun(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.runs[runID]; ok {
		return
	}
	t.runs[runID] = &runState{status: RunRunning, startedAt: time.Now().UTC()}
}

// MarkTerminal atomically records the terminal event for runID. Only the first caller
// gets true. Unknown runs are registered on the fly.
func (t *Tracker) MarkTerminal(runID, eventType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.runs[runID]
	if !ok {
		st = &runState{status: RunRunning, startedAt: time.Now().UTC()}
		t.runs[runID] = st
	}
	if st.status == RunTerminal {
		return false
	}
	st.status = RunTerminal
	st.terminalType = eventType
	st.terminalAt = time.Now().UTC()
	return true
}

// IsTerminalSent reports whether runID already ended.
func (t *Tracker) IsTerminalSent(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.runs[runID]
	return ok && st.status == RunTerminal
}

// TerminalType returns the terminal event type recorded for runID, or "".
func (t *Tracker) TerminalType(runID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.runs[runID]; ok {
		return st.terminalType
	}
	return ""
}

// Status returns RunRunning, RunTerminal, or "" for unknown runs.
func (t *Tracker) Status(runID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.runs[runID]; ok {
		return st.status
	}
	return ""
}

// Info returns a snapshot of runID.
func (t *Tracker) Info(runID string) (RunInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.runs[runID]
	if !ok {
		return RunInfo{}, false
	}
	return RunInfo{
		RunID:        runID,
		Status:       st.status,
		TerminalType: st.terminalType,
		StartedAt:    st.startedAt,
		TerminalAt:   st.terminalAt,
	}, true
}

// Running returns the ids of runs still without a terminal event, sorted.
func (t *Tracker) Running() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, st := range t.runs {
		if st.status == RunRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ScheduleCleanup forgets runID after delay. A non-positive delay uses the default.
// Rescheduling replaces the pending timer.
func (t *Tracker) ScheduleCleanup(runID string, delay time.Duration) {
	if delay <= 0 {
		delay = DefaultCleanupDelay
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.runs[runID]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, func() { t.Cleanup(runID) })
}

// Cleanup forgets runID immediately.
func (t *Tracker) Cleanup(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.runs[runID]; ok && st.timer != nil {
		st.timer.Stop()
	}
	delete(t.runs, runID)
}
