package handlers

import (
	"net/http"

	"github.com/akinalp/medicall/pkg"
	"github.com/akinalp/medicall/services"
)

// UploadHandler accepts chat attachments.
type UploadHandler struct {
	uploadService services.UploadService
	maxUploadSize int64
}

// NewUploadHandler creates an UploadHandler.
func NewUploadHandler(uploadService services.UploadService, maxUploadSize int64) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, maxUploadSize: maxUploadSize}
}

// Upload godoc
// POST /api/uploads (multipart, field "file")
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// Leave room for the multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+1<<20)

	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid multipart form or file too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	upload, err := h.uploadService.Upload(file, header)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusCreated, upload)
}
