// Package control tracks the run state of every scheduled process through an
// explicit state machine and decides, per tick, whether a process is allowed
// to run. State is persisted so a restart resumes where the last run left
// off.
package control

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateNoProcess  State = "NO_PROCESS"
	StateRunning    State = "RUNNING"
	StateFinished   State = "FINISHED"
	StateError      State = "ERROR"
	StateStopped    State = "STOPPED"
	StateTerminated State = "TERMINATED"
)

// ErrNotFound is returned when a process name has no stored state.
var ErrNotFound = errors.New("process not found")

// allowedTransitions is the whole lifecycle. TERMINATED only leaves through
// an operator reset to NO_PROCESS.
var allowedTransitions = map[State][]State{
	StateNoProcess:  {StateRunning},
	StateRunning:    {StateFinished, StateError, StateStopped, StateTerminated},
	StateFinished:   {StateNoProcess, StateRunning},
	StateError:      {StateNoProcess, StateRunning, StateTerminated},
	StateStopped:    {StateNoProcess, StateRunning, StateTerminated},
	StateTerminated: {StateNoProcess},
}

// InvalidTransitionError reports a lifecycle move outside the transition
// table. The process state is left untouched.
type InvalidTransitionError struct {
	Process string
	From    State
	To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("process %s: invalid transition %s -> %s", e.Process, e.From, e.To)
}

func transitionAllowed(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProcessError is one entry in a process's error history.
type ProcessError struct {
	At             time.Time `json:"at"`
	Message        string    `json:"message"`
	ExecutionCount int       `json:"execution_count"`
}

// ProcessState is the persisted control record for one process.
type ProcessState struct {
	Name           string `json:"name"`
	State          State  `json:"state"`
	ExecutionCount int    `json:"execution_count"`
	// CountDate is the calendar day ExecutionCount refers to; the counter
	// resets when a run starts on a new day.
	CountDate      string         `json:"count_date,omitempty"`
	MaxExecutions  int            `json:"max_executions,omitempty"`
	Daily          bool           `json:"daily,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	EndedAt        time.Time      `json:"ended_at,omitempty"`
	LastRunAt      time.Time      `json:"last_run_at,omitempty"`
	LastFinishedAt time.Time      `json:"last_finished_at,omitempty"`
	StopReason     string         `json:"stop_reason,omitempty"`
	ErrorHistory   []ProcessError `json:"error_history,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Transition moves the record to the target state, enforcing the table.
func (p *ProcessState) Transition(to State) error {
	if !transitionAllowed(p.State, to) {
		return &InvalidTransitionError{Process: p.Name, From: p.State, To: to}
	}
	p.State = to
	return nil
}

// RecentErrors counts error-history entries inside the window ending at now.
func (p *ProcessState) RecentErrors(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, e := range p.ErrorHistory {
		if e.At.After(cutoff) {
			n++
		}
	}
	return n
}

// FinishedOn reports whether the last successful finish fell on the given
// calendar date.
func (p *ProcessState) FinishedOn(day time.Time) bool {
	if p.LastFinishedAt.IsZero() {
		return false
	}
	return sameDate(p.LastFinishedAt, day)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
