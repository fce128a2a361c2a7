// Package scheduler resolves job state through the remote gateway: it
// polls paginated job listings, maps the scheduler's raw state vocabulary
// onto a canonical state machine, and tolerates jobs the remote no longer
// reports.
package scheduler

import "strings"

// JobState is the canonical state a caller can branch on regardless of
// the remote scheduler's raw vocabulary.
type JobState string

const (
	StatePending   JobState = "PENDING"
	StateRunning   JobState = "RUNNING"
	StateSuspended JobState = "SUSPENDED"
	StateDone      JobState = "DONE"
	StateFailed    JobState = "FAILED"
	// StateUnknown means the remote no longer reports the job and no
	// terminal signal was observed. It is a valid observation, not an
	// error.
	StateUnknown JobState = "UNKNOWN"
)

// Terminal reports whether no further state changes are possible.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// rawStates maps the scheduler's state vocabulary (full names and the
// squeue abbreviations) to canonical states. See
// https://slurm.schedmd.com/squeue.html#lbAG
var rawStates = map[string]JobState{
	"PENDING":     StatePending,
	"PD":          StatePending,
	"CONFIGURING": StatePending,
	"CF":          StatePending,

	"RUNNING":    StateRunning,
	"R":          StateRunning,
	"COMPLETING": StateRunning,
	"CG":         StateRunning,

	"SUSPENDED": StateSuspended,
	"S":         StateSuspended,
	"HELD":      StateSuspended,

	"COMPLETED": StateDone,
	"CD":        StateDone,

	"FAILED":    StateFailed,
	"F":         StateFailed,
	"TIMEOUT":   StateFailed,
	"TO":        StateFailed,
	"CANCELLED": StateFailed,
	"CA":        StateFailed,
	"NODE_FAIL": StateFailed,
	"NF":        StateFailed,
	"PREEMPTED": StateFailed,
	"PR":        StateFailed,
}

// MapState converts a raw scheduler state string to its canonical state.
// Unrecognized strings map to StateUnknown rather than failing.
func MapState(raw string) JobState {
	if s, ok := rawStates[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StateUnknown
}
