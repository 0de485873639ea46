package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gridline/imagevault/internal/adapters/artifactstore"
	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/gridline/imagevault/internal/service"
)

// ImageHandlers provides HTTP handlers for image fetch submissions, status
// polling, and serving stored image artifacts.
type ImageHandlers struct {
	Svc    *service.ImageJobService
	Store  *artifactstore.Store
	Logger *slog.Logger
}

// submitImageRequest is the body for POST /api/fetch-image.
type submitImageRequest struct {
	Code        string `json:"code"`
	RequestedBy string `json:"requested_by,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Submit enqueues an image fetch job for a product code. Invalid codes are
// rejected synchronously; nothing is enqueued for them.
func (h *ImageHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitImageRequest
	if !DecodeJSON(w, r, &body) {
		return
	}

	job, err := h.Svc.Submit(r.Context(), service.SubmitImageJobRequest{
		Code:        body.Code,
		RequestedBy: body.RequestedBy,
		Note:        body.Note,
	})
	if err != nil {
		if isImageCodeError(err) {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_code", Err: err})
			return
		}
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "submit_failed",
			Err:     errors.New("failed to submit image job"),
		})
		return
	}

	WriteJSON(w, http.StatusAccepted, h.Svc.ProjectStatus(r.Context(), job))
}

func isImageCodeError(err error) bool {
	return errors.Is(err, service.ErrImageCodeRequired) ||
		errors.Is(err, service.ErrImageCodeTooShort) ||
		errors.Is(err, service.ErrImageCodeInvalid)
}

// GetStatus returns the status projection for one image job. Succeeded jobs
// carry the stored artifact details; failed jobs carry the last error.
func (h *ImageHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	status, err := h.Svc.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(
				w,
				ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errors.New("job not found")},
			)
			return
		}
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "get_status_failed",
			Err:     errors.New("failed to get job status"),
		})
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

const (
	defaultImageJobPageSize = 50
	maxImageJobPageSize     = 1000
)

// imageJobListResponse is one page of status projections plus the total.
type imageJobListResponse struct {
	Jobs   []*model.ImageJobStatus `json:"jobs"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// List returns a page of image jobs, newest first, optionally filtered by
// status or code.
func (h *ImageHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultImageJobPageSize, maxImageJobPageSize)
	opts := &model.JobListOptions{Limit: limit, Offset: offset}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := model.JobStatus(raw)
		if !status.Valid() {
			WriteError(w, ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "invalid_status",
				Err:     errors.New("status must be one of: queued, running, succeeded, failed"),
			})
			return
		}
		opts.Status = &status
	}
	if code := r.URL.Query().Get("code"); code != "" {
		opts.Code = &code
	}

	page, err := h.Svc.ListWithCount(r.Context(), opts)
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "list_failed",
			Err:     errors.New("failed to list image jobs"),
		})
		return
	}

	resp := imageJobListResponse{
		Jobs:   make([]*model.ImageJobStatus, 0, len(page.Jobs)),
		Total:  page.Total,
		Limit:  limit,
		Offset: offset,
	}
	for _, job := range page.Jobs {
		resp.Jobs = append(resp.Jobs, h.Svc.ProjectStatus(r.Context(), job))
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Download serves the stored artifact for a product code. The artifact name
// is deterministic, so the latest fetch for the code always wins.
func (h *ImageHandlers) Download(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("code is required")},
		)
		return
	}

	name := service.StoredImageName(code)
	artifact, err := h.Store.Stat(name)
	if err != nil {
		if errors.Is(err, artifactstore.ErrNotFound) || errors.Is(err, artifactstore.ErrInvalidName) {
			WriteError(
				w,
				ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errors.New("no image stored for code")},
			)
			return
		}
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "download_failed",
			Err:     errors.New("failed to read stored image"),
		})
		return
	}

	f, err := h.Store.Open(name)
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "download_failed",
			Err:     errors.New("failed to read stored image"),
		})
		return
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && h.Logger != nil {
			h.Logger.Warn("failed to close artifact", "name", name, "error", cerr)
		}
	}()

	w.Header().Set("Content-Type", artifact.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.ByteSize, 10))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil && h.Logger != nil {
		h.Logger.Warn("failed to stream artifact", "name", name, "error", err)
	}
}
