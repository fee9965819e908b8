package scheduler

import (
	"container/list"
	"context"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// Request describes one conversion to submit.
type Request struct {
	// Input is the document content. It must not be empty.
	Input []byte

	// Filename is used to infer SourceFormat when that is empty.
	Filename string

	// SourceFormat is a hint for the engine. Empty lets the engine detect it.
	SourceFormat string

	// TargetFormat defaults to model.DefaultTargetFormat.
	TargetFormat string

	// Timeout is the whole budget for the job, queue time included.
	// Zero uses the scheduler default.
	Timeout time.Duration
}

// Job is one submitted conversion. All mutable fields are guarded by the
// owning scheduler's lock.
type Job struct {
	ID           string
	SourceFormat string
	TargetFormat string
	SubmittedAt  time.Time
	Deadline     time.Time

	input []byte
	sched *Scheduler
	done  chan struct{}

	state           model.JobState
	elem            *list.Element
	timer           *time.Timer
	stopWatch       func() bool
	cancelRequested bool
	handleID        string
	boundAt         time.Time
	resolvedAt      time.Time
	output          []byte
	err             error
}

// Done is closed once the job is resolved.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job is resolved or ctx is done. Giving up on ctx does
// not cancel the job; use Cancel for that.
func (j *Job) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-j.done:
		return j.output, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the job. A queued job is resolved at once. A bound job keeps
// its engine until the conversion returns and is then resolved as cancelled.
// Cancelling a resolved job does nothing.
func (j *Job) Cancel() {
	j.sched.cancel(j)
}

// Status returns a snapshot of the job.
func (j *Job) Status() model.JobStatus {
	j.sched.mu.Lock()
	defer j.sched.mu.Unlock()
	return j.statusLocked()
}

func (j *Job) statusLocked() model.JobStatus {
	st := model.JobStatus{
		ID:           j.ID,
		State:        j.state,
		SourceFormat: j.SourceFormat,
		TargetFormat: j.TargetFormat,
		InputBytes:   len(j.input),
		HandleID:     j.handleID,
		SubmittedAt:  j.SubmittedAt.UTC(),
		Deadline:     j.Deadline.UTC(),
	}
	if !j.boundAt.IsZero() {
		t := j.boundAt.UTC()
		st.BoundAt = &t
	}
	if j.state == model.JobResolved {
		t := j.resolvedAt.UTC()
		st.ResolvedAt = &t
		st.Outcome = model.OutcomeOf(j.err)
		st.OutputBytes = len(j.output)
		if j.err != nil {
			st.Error = j.err.Error()
		}
	}
	return st
}

func (j *Job) event() Event {
	st := j.statusLocked()
	ev := Event{
		JobID:    j.ID,
		State:    st.State,
		Outcome:  st.Outcome,
		HandleID: st.HandleID,
		Error:    st.Error,
		At:       time.Now().UTC(),
	}
	return ev
}
