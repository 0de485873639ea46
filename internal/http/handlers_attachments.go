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

// maxUploadFormMemory bounds how much of a multipart body is held in memory;
// larger files spill to temp files.
const maxUploadFormMemory = 4 << 20

// AttachmentHandlers provides HTTP handlers for user image uploads. All
// operations are scoped to the authenticated session's user.
type AttachmentHandlers struct {
	Svc    *service.AttachmentService
	Logger *slog.Logger
}

func (h *AttachmentHandlers) ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	session, ok := GetUserSessionFromContext(r.Context())
	if !ok || session.UserID == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusUnauthorized,
			ErrCode: "authentication_required",
			Err:     errors.New("authentication required"),
		})
		return "", false
	}
	return session.UserID, true
}

// Upload accepts a multipart form with a "file" part and stores it for the
// current user.
func (h *AttachmentHandlers) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.ownerID(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadFormMemory); err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_multipart",
			Err:     errors.New("request body must be multipart/form-data"),
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_file",
			Err:     errors.New("multipart part \"file\" is required"),
		})
		return
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && h.Logger != nil {
			h.Logger.Warn("failed to close upload part", "error", cerr)
		}
	}()

	attachment, err := h.Svc.Upload(r.Context(), service.UploadAttachmentRequest{
		OwnerID:  ownerID,
		FileName: header.Filename,
		Content:  file,
	})
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, attachment)
}

func (h *AttachmentHandlers) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUploadFileNameRequired),
		errors.Is(err, service.ErrUploadOwnerRequired):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_upload", Err: err})
	case errors.Is(err, service.ErrUploadExtension),
		errors.Is(err, service.ErrUploadNotAnImage):
		WriteError(w, ErrorParams{Code: http.StatusUnsupportedMediaType, ErrCode: "unsupported_file_type", Err: err})
	case errors.Is(err, artifactstore.ErrTooLarge):
		WriteError(w, ErrorParams{Code: http.StatusRequestEntityTooLarge, ErrCode: "file_too_large", Err: err})
	default:
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "upload_failed",
			Err:     errors.New("failed to store upload"),
		})
	}
}

const (
	defaultAttachmentPageSize = 50
	maxAttachmentPageSize     = 1000
)

// attachmentListResponse is one page of attachment metadata plus the total.
type attachmentListResponse struct {
	Attachments []*model.Attachment `json:"attachments"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// List returns a page of the current user's attachments, optionally filtered
// by MIME type.
func (h *AttachmentHandlers) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.ownerID(w, r)
	if !ok {
		return
	}

	limit, offset := ParseLimitOffset(r, defaultAttachmentPageSize, maxAttachmentPageSize)
	opts := model.AttachmentListOptions{OwnerID: ownerID, Limit: limit, Offset: offset}
	if mt := r.URL.Query().Get("mime_type"); mt != "" {
		opts.MimeType = &mt
	}

	page, err := h.Svc.ListWithCount(r.Context(), opts)
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "list_failed",
			Err:     errors.New("failed to list attachments"),
		})
		return
	}

	WriteJSON(w, http.StatusOK, attachmentListResponse{
		Attachments: page.Attachments,
		Total:       page.Total,
		Limit:       limit,
		Offset:      offset,
	})
}

// GetByID returns metadata for one of the current user's attachments.
func (h *AttachmentHandlers) GetByID(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.ownerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	attachment, err := h.Svc.Get(r.Context(), ownerID, id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, attachment)
}

// Download streams the stored bytes for one of the current user's attachments.
func (h *AttachmentHandlers) Download(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.ownerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	attachment, rc, err := h.Svc.Open(r.Context(), ownerID, id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil && h.Logger != nil {
			h.Logger.Warn("failed to close attachment", "attachment_id", id, "error", cerr)
		}
	}()

	w.Header().Set("Content-Type", attachment.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(attachment.ByteSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil && h.Logger != nil {
		h.Logger.Warn("failed to stream attachment", "attachment_id", id, "error", err)
	}
}

// Delete removes one of the current user's attachments and its stored bytes.
func (h *AttachmentHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.ownerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	if err := h.Svc.Delete(r.Context(), ownerID, id); err != nil {
		h.writeLookupError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *AttachmentHandlers) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, data.ErrAttachmentNotFound) {
		WriteError(w, ErrorParams{
			Code:    http.StatusNotFound,
			ErrCode: "not_found",
			Err:     errors.New("attachment not found"),
		})
		return
	}
	if isValidationError(err) {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
		return
	}
	WriteError(w, ErrorParams{
		Code:    http.StatusInternalServerError,
		ErrCode: "attachment_failed",
		Err:     errors.New("attachment operation failed"),
	})
}
