package model

import (
	"context"
	"errors"
)

// Sentinel errors shared by the scheduler, the pool and the API shell.
var (
	ErrQueueFull           = errors.New("conversion queue is full")
	ErrTimeout             = errors.New("conversion deadline exceeded")
	ErrCancelled           = errors.New("conversion cancelled")
	ErrConversionRejected  = errors.New("engine rejected the document")
	ErrEngineCrashed       = errors.New("engine crashed")
	ErrEngineStartupFailed = errors.New("engine failed to start")

	// ErrCapacityDegraded is never returned for a job. It describes the pool
	// health state once a slot has been lost for good.
	ErrCapacityDegraded = errors.New("engine pool capacity permanently degraded")

	ErrShuttingDown      = errors.New("server is shutting down")
	ErrNoCapacity        = errors.New("no engine could be started")
	ErrJobNotFound       = errors.New("job not found")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrEmptyInput        = errors.New("document is empty")
)

// OutcomeOf maps a job error to its terminal outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, ErrQueueFull):
		return OutcomeQueueFull
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, ErrShuttingDown):
		return OutcomeCancelled
	case errors.Is(err, ErrConversionRejected):
		return OutcomeRejected
	case errors.Is(err, ErrEngineStartupFailed):
		return OutcomeStartupFailed
	default:
		return OutcomeCrashed
	}
}

// HandleHealthy reports whether an engine handle may keep serving after a
// conversion finished with err. Only crashes, hangs and interrupted calls
// poison a handle; a rejected document says nothing about engine health.
func HandleHealthy(err error) bool {
	return err == nil || errors.Is(err, ErrConversionRejected)
}
