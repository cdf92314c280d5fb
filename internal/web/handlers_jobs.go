package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/portfoliolens/internal/core"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	writeJSON(w, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, job)
}

// handleCancelJob asks a running job to stop. Chunks in flight finish.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.service.Cancel(jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "cancelling"})
}

// handleJobProgress streams job progress via Server-Sent Events.
//
// The event id is the whole percent reached, so a client reconnecting with
// lastEventId (or Last-Event-ID) skips what it already saw. When the job
// ends the stream sends "event: complete" with the final job. A job that
// finished before the client connected gets only the complete event.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	lastEventID := -1
	for _, v := range []string{r.URL.Query().Get("lastEventId"), r.Header.Get("Last-Event-ID")} {
		if n, err := strconv.Atoi(v); err == nil {
			lastEventID = n
			break
		}
	}

	progressCh, stop, err := s.service.Subscribe(jobID)
	if err != nil && !errors.Is(err, core.ErrJobNotFound) {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		// Retired from memory: answer from the store.
		job, jerr := s.service.Job(r.Context(), jobID)
		if jerr != nil {
			s.fail(w, r, jerr)
			return
		}
		startStream(w)
		writeEvent(w, -1, "complete", job)
		_ = http.NewResponseController(w).Flush()
		return
	}
	defer stop()

	startStream(w)
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case p, ok := <-progressCh:
			if !ok {
				job, err := s.service.Job(r.Context(), jobID)
				if err != nil {
					writeEvent(w, -1, "complete", struct{}{})
				} else {
					writeEvent(w, -1, "complete", job)
				}
				_ = rc.Flush()
				return
			}

			id := int(p.Percent)
			if id <= lastEventID && !p.Status.Terminal() {
				continue
			}
			writeEvent(w, id, "progress", p)
			if err := rc.Flush(); err != nil {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeEvent writes one SSE event. A negative id is omitted.
func writeEvent(w io.Writer, id int, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("{}")
	}
	if id >= 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
