package model

import "time"

// Outcome is the terminal result of a conversion job.
type Outcome string

// Terminal job outcomes.
const (
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeRejected      Outcome = "rejected"
	OutcomeCrashed       Outcome = "crashed"
	OutcomeStartupFailed Outcome = "startup_failed"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeQueueFull     Outcome = "queue_full"
)

// Outcomes lists every terminal outcome, in a stable order for metrics and stats.
var Outcomes = []Outcome{
	OutcomeSucceeded,
	OutcomeRejected,
	OutcomeCrashed,
	OutcomeStartupFailed,
	OutcomeTimeout,
	OutcomeCancelled,
	OutcomeQueueFull,
}

// JobState is where a job sits in its lifecycle.
type JobState string

// Job states.
const (
	JobQueued   JobState = "queued"
	JobBound    JobState = "bound"
	JobResolved JobState = "resolved"
)

// validJobTransitions maps each job state to the states it may move to.
// Resolved is terminal.
var validJobTransitions = map[JobState]map[JobState]bool{
	JobQueued: {
		JobBound:    true,
		JobResolved: true,
	},
	JobBound: {
		JobResolved: true,
	},
}

// ValidJobTransition reports whether a job may move from one state to another.
func ValidJobTransition(from, to JobState) bool {
	targets, ok := validJobTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// JobStatus is the externally visible view of a conversion job.
type JobStatus struct {
	ID           string     `json:"id"`
	State        JobState   `json:"state"`
	Outcome      Outcome    `json:"outcome,omitempty"`
	Error        string     `json:"error,omitempty"`
	SourceFormat string     `json:"source_format"`
	TargetFormat string     `json:"target_format"`
	InputBytes   int        `json:"input_bytes"`
	OutputBytes  int        `json:"output_bytes,omitempty"`
	HandleID     string     `json:"handle_id,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	Deadline     time.Time  `json:"deadline"`
	BoundAt      *time.Time `json:"bound_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}
