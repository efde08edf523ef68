package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

// maxWait bounds GET /v1/jobs/{id}/wait.
const maxWait = 10 * time.Minute

// listEventsResponse is the JSON response for GET /v1/jobs/{id}/events.
type listEventsResponse struct {
	JobID  string              `json:"job_id"`
	Events []model.EventRecord `json:"events"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.writeStatusError(w, err, "get job for events")
		return
	}

	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		s.writeStatusError(w, err, "list events")
		return
	}
	if events == nil {
		events = []model.EventRecord{}
	}

	s.writeJSON(w, http.StatusOK, listEventsResponse{JobID: id, Events: events})
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		s.writeError(w, http.StatusNotImplemented, "event streams are not enabled")
		return
	}
	id := chi.URLParam(r, "id")

	// Verify job exists.
	job, err := s.lookupJob(r.Context(), id)
	if err != nil {
		s.writeStatusError(w, err, "get job for stream")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A reclaimed job has nothing left to stream.
	if !job.Live {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing after reclaim yields a closed channel, so the loop below
	// still terminates.
	ch, unsub := s.streams.Subscribe(id)
	defer unsub()
	eventStreamsActive.Inc()
	defer eventStreamsActive.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				s.logger.Error("encode event record", "job_id", id, "error", err)
				continue
			}
			if err := writeSSEEvent(w, rec.Code.String(), string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// waitResponse is the JSON response for GET /v1/jobs/{id}/wait.
type waitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleWaitJob(w http.ResponseWriter, r *http.Request) {
	if s.waiter == nil {
		s.writeError(w, http.StatusNotImplemented, "fault propagation is not enabled")
		return
	}
	id := chi.URLParam(r, "id")

	timeout := maxWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = min(d, maxWait)
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for wait", "error", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := s.waiter.Wait(ctx, id)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, fmt.Sprintf("job %s still running after %s", id, timeout))
		return
	case errors.Is(err, status.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.writeStatusError(w, err, "wait for job")
		return
	}

	resp := waitResponse{JobID: id}
	if res.Status != nil {
		resp.Error = res.Status.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each line gets its own "data:" prefix.
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
