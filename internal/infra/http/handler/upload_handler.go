package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/internal/infra/http/middleware"
	"github.com/bailops/api/pkg/apierror"
	"github.com/bailops/api/pkg/logger"
)

// UploadHandler validates and securely stores multipart uploads.
type UploadHandler struct {
	validator  *app.UploadValidator
	storage    *app.SecureStorage
	audit      *app.AuditService
	sniffLimit int64
	logger     *logger.Logger
}

// NewUploadHandler creates an upload handler.
func NewUploadHandler(validator *app.UploadValidator, storage *app.SecureStorage, audit *app.AuditService, sniffLimit int64, log *logger.Logger) *UploadHandler {
	if sniffLimit <= 0 {
		sniffLimit = 512 << 10
	}
	return &UploadHandler{
		validator:  validator,
		storage:    storage,
		audit:      audit,
		sniffLimit: sniffLimit,
		logger:     log.With("handler", "uploads"),
	}
}

// Create handles POST /api/v1/uploads. The multipart form carries the
// file under "file" plus category and optional property_id/mission_id
// fields. Validation failures return 422 with every accumulated error.
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			apierror.ValidationFailed("Request body too large", nil).WriteJSON(w)
			return
		}
		apierror.ValidationFailed("A file field named 'file' is required", nil).WriteJSON(w)
		return
	}
	defer file.Close()

	category := r.FormValue("category")
	if category == "" {
		category = "default"
	}

	// Body size is already capped by the body-limit middleware, so the
	// whole payload can be buffered for validation and storage.
	content, err := io.ReadAll(file)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			apierror.ValidationFailed("Request body too large", nil).WriteJSON(w)
			return
		}
		h.logger.Error("failed to read upload", "error", err)
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	sample := content
	if int64(len(sample)) > h.sniffLimit {
		sample = sample[:h.sniffLimit]
	}

	desc := app.FileDescriptor{
		OriginalName:  header.Filename,
		DeclaredMIME:  header.Header.Get("Content-Type"),
		Size:          int64(len(content)),
		ContentSample: sample,
	}

	result := h.validator.Validate(desc, category)
	if !result.Valid {
		h.audit.Record(r.Context(), app.Event{
			Category: app.EventCategoryUpload,
			Severity: app.SeverityWarning,
			Message:  "upload rejected",
			UserID:   principal.ID,
			Metadata: map[string]string{
				"category": category,
				"filename": header.Filename,
			},
		})
		apierror.FileValidationFailed(result.Errors).WriteJSON(w)
		return
	}

	filename, err := app.SecureFilename(header.Filename, "")
	if err != nil {
		h.logger.Error("failed to generate secure filename", "error", err)
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	path := app.SecurePath(category, principal.ID, r.FormValue("property_id"), r.FormValue("mission_id"))

	stored := h.storage.StoreSecurely(r.Context(), content, path, filename, result.FileInfo.MIMEType)
	if !stored.Success {
		apierror.InternalError(errors.New(stored.Error)).WriteJSON(w)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"file_info": result.FileInfo,
		"stored":    stored,
	})
}
