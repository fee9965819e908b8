package model

import "time"

// HandleState is the lifecycle state of one engine handle.
type HandleState string

// Engine handle states.
const (
	HandleStarting    HandleState = "starting"
	HandleIdle        HandleState = "idle"
	HandleBusy        HandleState = "busy"
	HandleUnhealthy   HandleState = "unhealthy"
	HandleTerminating HandleState = "terminating"
)

// HandleStates lists every handle state in a stable order.
var HandleStates = []HandleState{
	HandleStarting,
	HandleIdle,
	HandleBusy,
	HandleUnhealthy,
	HandleTerminating,
}

// Engine event kinds recorded in the engine event log.
const (
	EventStarted     = "started"
	EventStartFailed = "start_failed"
	EventCrashed     = "crashed"
	EventTimedOut    = "timed_out"
	EventRecycled    = "recycled"
	EventProbeFailed = "probe_failed"
	EventSlotLost    = "slot_lost"
	EventTerminated  = "terminated"
	EventInterrupted = "interrupted"
	EventMaintenance = "maintenance"
)

// EngineInfo is what an engine reports about itself once it is ready.
type EngineInfo struct {
	Product string `json:"product"`
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	BuildID string `json:"build_id"`
	PID     int    `json:"pid"`
}

// HandleInfo is the externally visible view of one engine handle.
type HandleInfo struct {
	ID                  string      `json:"id"`
	State               HandleState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Conversions         int         `json:"conversions"`
	StartedAt           time.Time   `json:"started_at"`
	LastActivity        time.Time   `json:"last_activity"`
	Engine              *EngineInfo `json:"engine,omitempty"`
}

// EngineEvent is one entry in the engine lifecycle log.
type EngineEvent struct {
	ID        string    `json:"id"`
	HandleID  string    `json:"handle_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
