// Package scheduler admits conversion jobs into a bounded FIFO queue and binds
// them to engine handles as the pool frees them.
//
// Submissions never block: a full queue fails immediately. Every job carries
// a deadline fixed at submission, so time spent queued counts against it. A
// job that expires while queued is resolved without touching an engine. A
// bound job runs on its own goroutine; a failing engine fails only the job
// bound to it, and that job is never retried.
package scheduler
