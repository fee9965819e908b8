package api

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/scheduler"
)

// resultStore holds async jobs until their result is collected. A finished
// job that nobody collects is dropped after the TTL.
type resultStore struct {
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*heldJob
	closed bool
}

type heldJob struct {
	job   *scheduler.Job
	timer *time.Timer
}

func newResultStore(ttl time.Duration, logger *slog.Logger) *resultStore {
	return &resultStore{
		ttl:    ttl,
		logger: logger,
		jobs:   make(map[string]*heldJob),
	}
}

// add starts holding j. The TTL clock starts when j resolves.
func (rs *resultStore) add(j *scheduler.Job) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.jobs[j.ID] = &heldJob{job: j}
	asyncResultsGauge.Set(float64(len(rs.jobs)))
	rs.mu.Unlock()

	go func() {
		<-j.Done()
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if h, ok := rs.jobs[j.ID]; ok && h.timer == nil {
			h.timer = time.AfterFunc(rs.ttl, func() { rs.expire(j.ID) })
		}
	}()
}

func (rs *resultStore) get(id string) (*scheduler.Job, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	h, ok := rs.jobs[id]
	if !ok {
		return nil, false
	}
	return h.job, true
}

// list returns held jobs oldest first.
func (rs *resultStore) list() []*scheduler.Job {
	rs.mu.Lock()
	out := make([]*scheduler.Job, 0, len(rs.jobs))
	for _, h := range rs.jobs {
		out = append(out, h.job)
	}
	rs.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// remove forgets a job.
func (rs *resultStore) remove(id string) {
	rs.take(id)
}

// take forgets a job and returns it. Only one caller gets ok for a given id.
func (rs *resultStore) take(id string) (*scheduler.Job, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	h, ok := rs.jobs[id]
	if !ok {
		return nil, false
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(rs.jobs, id)
	asyncResultsGauge.Set(float64(len(rs.jobs)))
	return h.job, true
}

func (rs *resultStore) expire(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.jobs[id]; ok {
		delete(rs.jobs, id)
		asyncResultsGauge.Set(float64(len(rs.jobs)))
		rs.logger.Info("async result expired", "job_id", id)
	}
}

// close drops everything and refuses new jobs.
func (rs *resultStore) close() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.closed = true
	for id, h := range rs.jobs {
		if h.timer != nil {
			h.timer.Stop()
		}
		delete(rs.jobs, id)
	}
	asyncResultsGauge.Set(0)
}
