package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/YannKr/streamgate/internal/sse"
	"github.com/YannKr/streamgate/internal/worker"
)

type jobEvent struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// AnalyzeEvents - GET /api/v1/analyze/{id}/events
func (h *Handler) AnalyzeEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before re-reading the state so no transition is missed.
	ch, unsub := h.SSE.Subscribe(sse.JobTopic(job.ID))
	defer unsub()
	if cur, err := h.Analysis.Status(job.ID); err == nil {
		job = cur
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	typ := sse.TypeProgress
	if job.State.Terminal() {
		typ = sse.TypeDone
	}
	data, _ := json.Marshal(jobEvent{
		JobID:    job.ID,
		Status:   worker.PublicState(job.State),
		Progress: job.Progress,
		Error:    job.Error,
	})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data)
	flusher.Flush()
	if typ == sse.TypeDone {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
			if evt.Type == sse.TypeDone {
				return
			}
		}
	}
}
