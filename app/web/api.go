package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	log "github.com/go-pkgz/lgr"

	"github.com/freqops/trainn/app/store"
	"github.com/freqops/trainn/app/trainer"
)

// StatusResponse is the payload for GET /api/v1/status
type StatusResponse struct {
	Stats StatusStats       `json:"stats"`
	Jobs  []store.LiveState `json:"jobs"`
}

// StatusStats aggregates per-pair job states
type StatusStats struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// handleStatus returns live per-pair states with aggregate counts
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var jobs []store.LiveState
	if s.Live != nil {
		jobs = s.Live.Live()
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Pair < jobs[j].Pair })

	resp := StatusResponse{Jobs: jobs, Stats: StatusStats{Total: len(jobs)}}
	for _, j := range jobs {
		switch j.Status {
		case "running":
			resp.Stats.Running++
		case string(trainer.StatusOK):
			resp.Stats.OK++
		case string(trainer.StatusFailed):
			resp.Stats.Failed++
		case string(trainer.StatusSkipped):
			resp.Stats.Skipped++
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRuns returns recorded history, newest first, ?limit= caps the count
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "run history not available")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.Store.ListRuns(r.Context(), limit)
	if err != nil {
		log.Printf("[WARN] failed to list runs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// handleLastRun returns the most recent recorded run for ?pair=
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "run history not available")
		return
	}

	pair := r.URL.Query().Get("pair")
	if pair == "" {
		s.writeJSONError(w, http.StatusBadRequest, "pair parameter required")
		return
	}

	run, err := s.Store.LastRun(r.Context(), pair)
	if err != nil {
		log.Printf("[WARN] failed to get last run for %s: %v", pair, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get last run")
		return
	}
	if run == nil {
		s.writeJSONError(w, http.StatusNotFound, "no runs recorded for "+pair)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
