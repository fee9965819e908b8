package api

import (
	"net/http"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/scheduler"
)

// statsResponse is the JSON response for GET /v1/stats and the websocket feed.
type statsResponse struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	Pool      poolStats       `json:"pool"`
	AsyncJobs int             `json:"async_jobs"`
}

type poolStats struct {
	Capacity          int `json:"capacity"`
	EffectiveCapacity int `json:"effective_capacity"`
	Idle              int `json:"idle"`
	Busy              int `json:"busy"`
	Starting          int `json:"starting"`
	DegradedSlots     int `json:"degraded_slots"`
}

// statusResponse mirrors the busy check of the single-engine server.
type statusResponse struct {
	IsBusy bool `json:"is_busy"`
}

type versionResponse struct {
	Product string `json:"product"`
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	BuildID string `json:"build_id"`
}

func (s *Server) stats() statsResponse {
	snap := s.pool.Snapshot()
	return statsResponse{
		Scheduler: s.sched.Stats(),
		Pool:      poolStatsFrom(snap),
		AsyncJobs: len(s.results.list()),
	}
}

func poolStatsFrom(snap pool.Snapshot) poolStats {
	return poolStats{
		Capacity:          snap.Capacity,
		EffectiveCapacity: snap.EffectiveCapacity,
		Idle:              snap.Idle,
		Busy:              snap.Busy,
		Starting:          snap.Starting,
		DegradedSlots:     snap.DegradedSlots,
	}
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats())
}

// handleStatus reports busy when no engine is idle, so a new job would queue.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{IsBusy: s.pool.Snapshot().Idle == 0})
}

func (s *Server) handleOfficeVersion(w http.ResponseWriter, _ *http.Request) {
	info, ok := s.pool.EngineInfo()
	if !ok {
		s.writeError(w, http.StatusNotFound, "office version unknown")
		return
	}
	s.writeJSON(w, http.StatusOK, versionResponse{
		Product: info.Product,
		Major:   info.Major,
		Minor:   info.Minor,
		BuildID: info.BuildID,
	})
}

func (s *Server) handleSupportedFormats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, model.KnownFormats())
}

// handleCollectGarbage runs a maintenance pass over the idle engines now.
func (s *Server) handleCollectGarbage(w http.ResponseWriter, r *http.Request) {
	report := s.pool.Maintain(r.Context())
	s.writeJSON(w, http.StatusOK, report)
}
