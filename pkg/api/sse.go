package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/pipeline"
	"github.com/lexisub/lexisub/pkg/storage"
)

// pollInterval is the reconciliation heartbeat of the status stream
const pollInterval = time.Second

// handleStream serves the task status as server-sent events: the
// current snapshot immediately on connect, then a new event whenever
// (status, progress) changes, until the task reaches a terminal state
// or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	snap, err := pipeline.LoadSnapshot(r.Context(), s.svc.Store, id)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeEvent(w, flusher, snap); err != nil {
		return
	}
	if snap.Status.Terminal() {
		return
	}

	lastStatus, lastProgress := snap.Status, snap.Progress
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client cancellation tears down only the stream; backend
			// work continues.
			return
		case <-ticker.C:
			snap, err := pipeline.LoadSnapshot(r.Context(), s.svc.Store, id)
			if err != nil {
				log.WithComponent("api").Warn().Err(err).Str("task_id", id).Msg("stream reconcile failed")
				return
			}
			if snap.Status == lastStatus && snap.Progress == lastProgress {
				continue
			}
			lastStatus, lastProgress = snap.Status, snap.Progress

			if err := writeEvent(w, flusher, snap); err != nil {
				return
			}
			if snap.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, snap pipeline.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
