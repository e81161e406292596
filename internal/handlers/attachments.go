package handlers

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-investigations/internal/models"
	"github.com/ukydev/fleet-investigations/internal/storage"
)

// AttachmentHandler accepts evidence uploads for flagged costs.
type AttachmentHandler struct {
	blobs    storage.BlobStore
	maxBytes int64
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewAttachmentHandler creates an upload handler writing to blobs.
func NewAttachmentHandler(blobs storage.BlobStore, maxBytes int64, log logrus.FieldLogger) *AttachmentHandler {
	return &AttachmentHandler{blobs: blobs, maxBytes: maxBytes, log: log, now: time.Now}
}

// Upload stores the multipart "file" field and returns its attachment
// metadata, ready to be sent with a resolution.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	head = head[:n]
	contentType, ok := storage.DetectContentType(header.Filename, head)
	if !ok {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported file type: "+contentType)
		return
	}

	costEntryID := r.FormValue("cost_entry_id")
	key := storage.ObjectKey(costEntryID, header.Filename)
	url, err := h.blobs.Put(r.Context(), key, io.MultiReader(bytes.NewReader(head), file), contentType)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"object_key":    key,
			"cost_entry_id": costEntryID,
		}).Error("Failed to store attachment")
		writeError(w, http.StatusBadGateway, "failed to store file")
		return
	}

	attachment := models.Attachment{
		ID:          uuid.NewString(),
		CostEntryID: costEntryID,
		Filename:    header.Filename,
		FileURL:     url,
		FileType:    contentType,
		FileSize:    header.Size,
		UploadedAt:  h.now().UTC(),
	}
	h.log.WithFields(logrus.Fields{
		"attachment_id": attachment.ID,
		"cost_entry_id": costEntryID,
		"file_type":     contentType,
		"file_size":     header.Size,
	}).Info("Stored attachment")
	writeJSON(w, http.StatusCreated, attachment)
}
