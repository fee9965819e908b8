package api

import (
	"net/http"
)

// Health states reported by /healthz.
const (
	healthOK          = "ok"
	healthDegraded    = "degraded"
	healthUnavailable = "unavailable"
)

type healthResponse struct {
	Status            string `json:"status"`
	Capacity          int    `json:"capacity"`
	EffectiveCapacity int    `json:"effective_capacity"`
	DegradedSlots     int    `json:"degraded_slots"`
}

// handleHealthz reports ok while every engine slot is alive, degraded once a
// slot has been lost for good and unavailable when none is left.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.pool.Snapshot()
	resp := healthResponse{
		Status:            healthOK,
		Capacity:          snap.Capacity,
		EffectiveCapacity: snap.EffectiveCapacity,
		DegradedSlots:     snap.DegradedSlots,
	}

	status := http.StatusOK
	switch {
	case snap.EffectiveCapacity <= 0:
		resp.Status = healthUnavailable
		status = http.StatusServiceUnavailable
	case snap.DegradedSlots > 0:
		resp.Status = healthDegraded
	}
	s.writeJSON(w, status, resp)
}
