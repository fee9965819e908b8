// Package pool keeps a fixed number of document engines running and hands
// them out one job at a time.
//
// A Handle owns exactly one engine process. The Pool owns the handle table:
// it reserves idle handles for the scheduler, takes them back when a job is
// done, and replaces any handle whose engine crashed, hung or wore out.
// Replacement runs in the background with exponential backoff; when every
// attempt fails the slot is given up and the pool reports itself degraded.
package pool
