// Package jobs implements the compaction and promotion jobs, their runtime
// state, and the cron-style scheduler that fires them.
package jobs

import (
	"sync"
	"time"
)

// Job names accepted by /jobs/run and the scheduler.
const (
	JobCompaction = "compaction"
	JobPromotion  = "promotion"
)

// RunRecord is the observable runtime state of one job.
type RunRecord struct {
	LastRequestedMs int64  `json:"last_requested_ms,omitempty"`
	LastStartedMs   int64  `json:"last_started_ms,omitempty"`
	LastCompletedMs int64  `json:"last_completed_ms,omitempty"`
	LastFailedMs    int64  `json:"last_failed_ms,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	InFlight        bool   `json:"in_flight"`
}

// State tracks per-job run records. Safe for concurrent use.
type State struct {
	mu      sync.Mutex
	records map[string]*RunRecord
}

// NewState creates an empty state map.
func NewState() *State {
	return &State{records: make(map[string]*RunRecord)}
}

// Requested records that a run was asked for.
func (s *State) Requested(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(job).LastRequestedMs = time.Now().UnixMilli()
}

// TryStart marks the job in flight. Returns false when a prior run has not
// finished; callers skip the run in that case.
func (s *State) TryStart(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(job)
	if rec.InFlight {
		return false
	}
	rec.InFlight = true
	rec.LastStartedMs = time.Now().UnixMilli()
	return true
}

// Completed marks a successful run.
func (s *State) Completed(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(job)
	rec.InFlight = false
	rec.LastCompletedMs = time.Now().UnixMilli()
	rec.LastError = ""
}

// Failed marks a failed run with its error.
func (s *State) Failed(job string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(job)
	rec.InFlight = false
	rec.LastFailedMs = time.Now().UnixMilli()
	if err != nil {
		rec.LastError = err.Error()
	}
}

// Snapshot returns a copy of every record, for /health.
func (s *State) Snapshot() map[string]RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RunRecord, len(s.records))
	for job, rec := range s.records {
		out[job] = *rec
	}
	return out
}

func (s *State) record(job string) *RunRecord {
	rec, ok := s.records[job]
	if !ok {
		rec = &RunRecord{}
		s.records[job] = rec
	}
	return rec
}
