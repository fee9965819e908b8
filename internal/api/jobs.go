package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/scheduler"
)

// listJobsResponse wraps the async job listing.
type listJobsResponse struct {
	Jobs  []model.JobStatus `json:"jobs"`
	Total int               `json:"total"`
}

// handleSubmitJob queues a conversion and returns at once. The job outlives
// the request; its result is collected from /v1/jobs/{id}/result.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	req, status, err := s.parseConvertRequest(w, r)
	if err != nil {
		s.writeError(w, status, err.Error())
		return
	}

	job, err := s.sched.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.results.add(job)

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	s.writeJSON(w, http.StatusAccepted, job.Status())
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.results.list()
	statuses := make([]model.JobStatus, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.Status()
	}
	s.writeJSON(w, http.StatusOK, listJobsResponse{Jobs: statuses, Total: len(statuses)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.results.get(chi.URLParam(r, "id"))
	if !ok {
		s.writeJobError(w, model.ErrJobNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, job.Status())
}

// handleGetJobResult delivers a finished job's document, or its error, once.
// The job is forgotten afterwards.
func (s *Server) handleGetJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.results.get(chi.URLParam(r, "id"))
	if !ok {
		s.writeJobError(w, model.ErrJobNotFound)
		return
	}

	select {
	case <-job.Done():
	default:
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"error": "job not finished",
			"job":   job.Status(),
		})
		return
	}

	// Concurrent requests race here; the loser sees the job as gone.
	if _, ok := s.results.take(job.ID); !ok {
		s.writeJobError(w, model.ErrJobNotFound)
		return
	}
	out, err := job.Wait(r.Context())
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeDocument(w, job.ID, "", job.TargetFormat, out)
}

// handleCancelJob cancels a job. A queued job resolves immediately; a bound
// one resolves once its engine call returns. Cancelling a finished job just
// forgets it.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.results.get(chi.URLParam(r, "id"))
	if !ok {
		s.writeJobError(w, model.ErrJobNotFound)
		return
	}

	select {
	case <-job.Done():
		s.results.remove(job.ID)
		s.writeJSON(w, http.StatusOK, job.Status())
		return
	default:
	}

	job.Cancel()
	status := job.Status()
	code := http.StatusOK
	if status.State != model.JobResolved {
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, status)
}

// handleStreamJobEvents streams a job's lifecycle as server-sent events. Each
// event is named after the job state and carries the event as JSON. The
// stream ends with a "done" event once the job resolves.
func (s *Server) handleStreamJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.results.get(chi.URLParam(r, "id"))
	if !ok {
		s.writeJobError(w, model.ErrJobNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	// Subscribe yields just the final event when the job already resolved.
	ch, unsub := s.sched.Subscribe(job)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				_ = rc.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode job event", "job_id", job.ID, "error", err)
				return
			}
			if err := writeSSEEvent(w, string(ev.State), string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			return // Client disconnected.
		case <-s.closing:
			_ = writeSSEEvent(w, "shutdown", "server shutting down")
			_ = rc.Flush()
			return
		}
	}
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}
