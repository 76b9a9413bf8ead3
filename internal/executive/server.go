// Package executive is the language/memory daemon: it owns the memory
// directory, serves /health, /events, /respond, /insight and /jobs/run, and
// runs the compaction and promotion jobs.
package executive

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"eva/internal/apierror"
	"eva/internal/config"
	"eva/internal/jobs"
	"eva/internal/logging"
	"eva/internal/memory"
	"eva/internal/model"
	"eva/internal/retrieval"
	"eva/internal/tags"
)

const defaultMaxBodyBytes = 1 << 20

// Server wires the memory pipeline, the model boundary, and the job runners
// behind the Executive HTTP surface.
type Server struct {
	Config    config.Config
	Paths     config.Paths
	Client    model.Client
	Queue     *memory.SerialQueue
	Log       *memory.WorkingLog
	ShortTerm *memory.ShortTermStore
	Semantic  *memory.SemanticStore
	Vector    *memory.VectorStore
	Tone      *memory.ToneCache
	Whitelist *tags.Whitelist
	Retrieval *retrieval.Assembler
	Compactor *jobs.Compactor
	Promoter  *jobs.Promoter
	JobState  *jobs.State
	Persona   string

	// Now is replaceable in tests; defaults to wall-clock millis.
	Now func() int64

	insightMu     sync.Mutex
	lastInsightMs int64
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/respond", s.handleRespond).Methods(http.MethodPost)
	r.HandleFunc("/insight", s.handleInsight).Methods(http.MethodPost)
	r.HandleFunc("/jobs/run", s.handleJobsRun).Methods(http.MethodPost)
	return r
}

func (s *Server) now() int64 {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UnixMilli()
}

// readJSONBody enforces the shared request preconditions: JSON content type
// (415), body size cap (413 before parse), non-empty body (400), and valid
// JSON (400). The decoded value lands in dst.
func (s *Server) readJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) error {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/json") {
		return apierror.New(http.StatusUnsupportedMediaType, apierror.CodeUnsupportedContentType,
			fmt.Sprintf("content type %q is not application/json", ct))
	}

	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		return apierror.New(http.StatusRequestEntityTooLarge, apierror.CodePayloadTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxBytes))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return apierror.New(http.StatusBadRequest, apierror.CodeEmptyBody, "request body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apierror.New(http.StatusBadRequest, apierror.CodeInvalidJSON,
			fmt.Sprintf("request body is not valid JSON: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Get(logging.CategoryHTTP).Warn("Failed to encode response: %v", err)
	}
}

// handleHealth reports model config, guardrails, job runtime state, and the
// memory directory layout.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var jobState map[string]jobs.RunRecord
	if s.JobState != nil {
		jobState = s.JobState.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"ts_ms":  s.now(),
		"model": map[string]interface{}{
			"provider": s.Config.Model.Provider,
			"model":    s.Config.Model.Model,
		},
		"guardrails": map[string]interface{}{
			"allowed_tones":  memory.AllowedTones,
			"tag_whitelist":  len(s.Whitelist.Values()),
			"max_concepts":   model.MaxConcepts,
			"insight_frames": s.maxFrames(),
		},
		"jobs": jobState,
		"memory": map[string]interface{}{
			"dir":           s.Paths.Dir,
			"working_log":   s.Paths.WorkingLog,
			"short_term_db": s.Paths.ShortTermDB,
			"semantic_db":   s.Paths.SemanticDB,
			"vector_db":     s.Paths.VectorDB,
			"cache_dir":     s.Paths.CacheDir,
		},
	})
}

// jobsRunRequest is the POST /jobs/run body.
type jobsRunRequest struct {
	Job   string `json:"job"`
	NowMs *int64 `json:"now_ms"`
}

// handleJobsRun triggers a compaction or promotion run and returns its
// result payload once the job completes.
func (s *Server) handleJobsRun(w http.ResponseWriter, r *http.Request) {
	var req jobsRunRequest
	if err := s.readJSONBody(w, r, s.Config.Server.MaxBodyBytes, &req); err != nil {
		apierror.Write(w, err)
		return
	}
	if req.Job != jobs.JobCompaction && req.Job != jobs.JobPromotion {
		apierror.Write(w, apierror.Invalid(fmt.Sprintf("job must be %q or %q, got %q",
			jobs.JobCompaction, jobs.JobPromotion, req.Job)))
		return
	}

	nowMs := s.now()
	if req.NowMs != nil {
		nowMs = *req.NowMs
	}

	s.JobState.Requested(req.Job)
	if !s.JobState.TryStart(req.Job) {
		apierror.Write(w, apierror.New(http.StatusConflict, apierror.CodeInvalidRequest,
			fmt.Sprintf("job %s is already in flight", req.Job)))
		return
	}

	switch req.Job {
	case jobs.JobCompaction:
		windowMs := s.Config.Jobs.Compaction.WindowMs
		if windowMs <= 0 {
			windowMs = 60 * 60 * 1000
		}
		result, err := s.Compactor.Run(r.Context(), nowMs, windowMs)
		if err != nil {
			s.JobState.Failed(req.Job, err)
			apierror.Write(w, apierror.New(http.StatusInternalServerError, apierror.CodeCompactionJobFailed, err.Error()))
			return
		}
		s.JobState.Completed(req.Job)
		writeJSON(w, http.StatusOK, result)
	case jobs.JobPromotion:
		result, err := s.Promoter.Run(r.Context(), nowMs)
		if err != nil {
			s.JobState.Failed(req.Job, err)
			apierror.Write(w, apierror.New(http.StatusInternalServerError, apierror.CodePromotionJobFailed, err.Error()))
			return
		}
		s.JobState.Completed(req.Job)
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) maxFrames() int {
	max := s.Config.Insight.MaxFrames
	if max < 1 || max > 6 {
		max = 6
	}
	return max
}
