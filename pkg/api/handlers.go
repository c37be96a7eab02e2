package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lexisub/lexisub/pkg/blob"
	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/pipeline"
	"github.com/lexisub/lexisub/pkg/storage"
	"github.com/lexisub/lexisub/pkg/subtitle"
	"github.com/lexisub/lexisub/pkg/types"
)

type analyzeResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type contentResponse struct {
	TaskID  string          `json:"task_id"`
	Content []types.Segment `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleAnalyze creates a root task for the given media URL and starts
// the pipeline.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		writeError(w, http.StatusBadRequest, "malformed url")
		return
	}

	// Reject work up front when the LLM backend is known to be down
	if s.health != nil {
		if err := s.health.EnsureHealthy(r.Context(), false); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	task, err := s.coordinator.StartPipeline(r.Context(), rawURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, analyzeResponse{
		TaskID:  task.TaskID,
		Status:  string(types.TaskStatusPending),
		Message: "analysis task created",
	})
}

// handleSnapshot returns the reconciled view of a root task
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := pipeline.LoadSnapshot(r.Context(), s.svc.Store, id)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleContent returns the final enriched JSON. The id may be the
// root task or the enrich child; a pending pipeline answers with an
// empty array so clients can poll, a failed one with 400.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.svc.Store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A root id is transparently resolved to its enrich child
	if task.TaskType == types.TaskTypeRoot {
		childID, err := s.svc.Store.GetEdge(r.Context(), task.TaskID, types.EdgeEnrich)
		if err == nil {
			if child, cerr := s.svc.Store.GetTask(r.Context(), childID); cerr == nil {
				task = child
			}
		}
	}

	switch task.Status {
	case types.TaskStatusFailed:
		msg := task.Error
		if msg == "" {
			msg = "subtitle processing failed"
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	case types.TaskStatusCompleted:
	default:
		writeJSON(w, http.StatusOK, contentResponse{TaskID: id, Content: []types.Segment{}})
		return
	}

	if task.OutputRef == "" {
		writeError(w, http.StatusNotFound, "no output recorded")
		return
	}

	data, err := s.readArtifact(r, task.OutputRef)
	if err != nil {
		writeError(w, http.StatusNotFound, "output artifact missing")
		return
	}
	segments, err := subtitle.ParseArtifact(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt output artifact")
		return
	}
	writeJSON(w, http.StatusOK, contentResponse{TaskID: id, Content: segments})
}

// readArtifact loads the artifact via the blob store, falling back to
// a local path for single-node deployments.
func (s *Server) readArtifact(r *http.Request, ref string) ([]byte, error) {
	data, err := s.svc.Blob.Get(r.Context(), ref)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, blob.ErrNotFound) && !errors.Is(err, blob.ErrUnavailable) {
		return nil, err
	}
	return os.ReadFile(ref)
}

// handleDictionary is a stateless one-shot word lookup
func (s *Server) handleDictionary(w http.ResponseWriter, r *http.Request) {
	var query llm.DictionaryQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if query.Word == "" {
		writeError(w, http.StatusBadRequest, "missing word")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.LLM.QueryDictionary(r.Context(), query))
}

type healthResponse struct {
	Status    string     `json:"status"`
	LLM       string     `json:"llm,omitempty"`
	LLMError  string     `json:"llm_error,omitempty"`
	LastCheck *time.Time `json:"llm_last_check,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if s.health != nil {
		healthy, lastErr, lastCheck := s.health.Status()
		if healthy {
			resp.LLM = "healthy"
		} else {
			resp.LLM = "unhealthy"
			resp.LLMError = lastErr
		}
		if !lastCheck.IsZero() {
			resp.LastCheck = &lastCheck
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
