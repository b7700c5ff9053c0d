package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/auth"
	"github.com/YannKr/streamgate/internal/extractor"
	"github.com/YannKr/streamgate/internal/model"
	"github.com/YannKr/streamgate/internal/webhook"
	"github.com/YannKr/streamgate/internal/worker"
)

type analyzeRequest struct {
	URL         string `json:"url"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type jobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type jobResponse struct {
	RequestID string               `json:"requestId"`
	JobID     string               `json:"jobId"`
	Status    string               `json:"status"`
	Progress  int                  `json:"progress"`
	Deduped   bool                 `json:"deduped,omitempty"`
	Result    *model.VideoMetadata `json:"result,omitempty"`
	Error     *jobError            `json:"error,omitempty"`
}

func jobToAPI(j *model.AnalysisJob, lang string) jobResponse {
	resp := jobResponse{
		RequestID: j.ID,
		JobID:     j.ID,
		Status:    worker.PublicState(j.State),
		Progress:  j.Progress,
		Result:    j.Result,
	}
	if j.State == model.JobFailed {
		msg := j.Error
		if isExtractionKind(j.ErrorKind) {
			msg = apierr.Localize(apierr.Extraction(j.ErrorKind, nil), lang)
		}
		resp.Error = &jobError{Kind: j.ErrorKind, Message: msg}
	}
	return resp
}

func isExtractionKind(kind string) bool {
	switch extractor.Kind(kind) {
	case extractor.KindAuthRequired, extractor.KindVideoUnavailable, extractor.KindPrivateVideo,
		extractor.KindRateLimited, extractor.KindNetworkError, extractor.KindTimeout, extractor.KindUnknown:
		return true
	}
	return false
}

// Analyze - POST /api/v1/analyze
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := extractor.DetectPlatform(req.URL); err != nil {
		writeError(w, r, err)
		return
	}

	spec := worker.Spec{UserID: userID, URL: req.URL}
	if req.CallbackURL != "" {
		if err := webhook.ValidateURL(req.CallbackURL); err != nil {
			writeError(w, r, apierr.Validation("INVALID_CALLBACK_URL", "%v", err))
			return
		}
		spec.Payload = &webhook.Target{URL: req.CallbackURL}
	}
	if meta, ok := h.Cache.Get(r.Context(), req.URL); ok {
		id, err := h.Analysis.Record(spec, meta)
		if err != nil {
			writeError(w, r, queueError(err))
			return
		}
		renderJSON(w, http.StatusOK, jobResponse{
			RequestID: id,
			JobID:     id,
			Status:    string(model.JobCompleted),
			Progress:  100,
			Result:    meta,
		})
		return
	}

	id, deduped, err := h.Analysis.Enqueue(r.Context(), spec)
	if err != nil {
		writeError(w, r, queueError(err))
		return
	}
	job, err := h.Analysis.Status(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := jobToAPI(job, apierr.MatchLanguage(r.Header.Get("Accept-Language")))
	resp.Deduped = deduped
	renderJSON(w, http.StatusAccepted, resp)
}

// AnalyzeStatus - GET /api/v1/analyze/{id}
func (h *Handler) AnalyzeStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	renderJSON(w, http.StatusOK, jobToAPI(job, apierr.MatchLanguage(r.Header.Get("Accept-Language"))))
}

// ownedJob loads the job named in the URL. Jobs of other users look the
// same as missing ones unless the caller is an admin.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*model.AnalysisJob, bool) {
	id := chi.URLParam(r, "id")
	job, err := h.Analysis.Status(id)
	if errors.Is(err, worker.ErrNotFound) {
		writeError(w, r, apierr.NotFound("analysis request not found"))
		return nil, false
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if job.UserID != auth.UserFromContext(r.Context()) && !auth.IsAdmin(r.Context()) {
		writeError(w, r, apierr.NotFound("analysis request not found"))
		return nil, false
	}
	return job, true
}

func queueError(err error) error {
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		e := apierr.RateLimited("analysis queue", 0)
		e.Code = "QUEUE_FULL"
		e.Message = "the analysis queue is full, try again shortly"
		return e
	case errors.Is(err, worker.ErrStopped):
		return &apierr.Error{Class: apierr.ClassInternal, Code: "SHUTTING_DOWN", Message: "server is shutting down", Err: err}
	}
	return err
}
