package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/dispatch"
	"github.com/teranos/autopost/pulse/queue"
)

const defaultListLimit = 100

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			s.logger.Warnw("Health check failed", logger.FieldError, err)
			_ = writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
			return
		}
	}
	_ = writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
}

type listResponse struct {
	Jobs  []*queue.Job `json:"jobs"`
	Count int          `json:"count"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, s.logger, errors.WithStack(&queue.ValidationError{Field: "limit", Reason: "not a number"}))
			return
		}
		limit = n
	}

	filter, err := queue.ParseFilter(q.Get("status"), q.Get("from"), q.Get("to"), limit, s.location)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	jobs, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	_ = writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, job)
}

type statsResponse struct {
	Counts    map[queue.Status]int  `json:"counts"`
	Total     int                   `json:"total"`
	Cycles    *int64                `json:"cycles,omitempty"`
	LastCycle *dispatch.CycleResult `json:"last_cycle,omitempty"`
	LastError string                `json:"last_error,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := statsResponse{Counts: counts}
	for _, n := range counts {
		resp.Total += n
	}
	if s.cycles != nil {
		cycles := s.cycles.Cycles()
		resp.Cycles = &cycles
		if cycles > 0 {
			last, err := s.cycles.LastCycle()
			resp.LastCycle = &last
			if err != nil {
				resp.LastError = err.Error()
			}
		}
	}
	_ = writeJSON(w, http.StatusOK, resp)
}
