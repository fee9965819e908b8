package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listEngineEventsResponse wraps the paginated engine event log.
type listEngineEventsResponse struct {
	Events []*model.EngineEvent `json:"events"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	handles := s.pool.Snapshot().Handles
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].ID < handles[j].ID
	})
	s.writeJSON(w, http.StatusOK, handles)
}

func (s *Server) handleListEngineEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	events, total, err := s.store.ListEngineEvents(r.Context(), store.EventFilter{
		HandleID: r.URL.Query().Get("handle_id"),
		Kind:     r.URL.Query().Get("kind"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list engine events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list engine events")
		return
	}

	if events == nil {
		events = []*model.EngineEvent{}
	}

	s.writeJSON(w, http.StatusOK, listEngineEventsResponse{
		Events: events,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
