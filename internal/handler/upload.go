package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/attachment"
	"github.com/teamchat/internal/logger"
)

type UploadHandler struct {
	svc   *attachment.Service
	files *attachment.DiskStore
}

// NewUploadHandler: files != nil, когда вложения лежат на диске и раздаются самим API.
func NewUploadHandler(svc *attachment.Service, files *attachment.DiskStore) *UploadHandler {
	return &UploadHandler{svc: svc, files: files}
}

// Upload принимает multipart/form-data с полем "file" (и необязательным sticker=true) и возвращает Attachment.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	limit := h.svc.MaxSize()
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "file too large")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	att, err := h.svc.Upload(r.Context(), attachment.UploadInput{
		Reader:      file,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Sticker:     r.FormValue("sticker") == "true",
	})
	if err != nil {
		if errors.Is(err, attachment.ErrRejected) {
			writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), attachment.ErrRejected.Error()+": "))
			return
		}
		logger.Errorf("uploads.Upload: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// Serve отдаёт файлы из локального хранилища: /api/files/*.
func (h *UploadHandler) Serve(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	h.files.Serve(w, r, chi.URLParam(r, "*"))
}
