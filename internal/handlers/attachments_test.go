package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-investigations/internal/models"
	"github.com/ukydev/fleet-investigations/internal/storage"
)

type memBlobStore struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobStore) Put(_ context.Context, key string, r io.Reader, contentType string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.objects[key] = data
	m.types[key] = contentType
	return storage.PublicURL("test-bucket", key), nil
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestAttachmentHandler_Upload(t *testing.T) {
	blobs := newMemBlobStore()
	h := NewAttachmentHandler(blobs, 1<<20, quietLogger())
	now := time.Date(2026, 2, 2, 9, 30, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	pdf := []byte("%PDF-1.7\n" + strings.Repeat("x", 2000))

	w := httptest.NewRecorder()
	h.Upload(w, multipartUpload(t, "fuel slip.pdf", pdf, map[string]string{"cost_entry_id": "c1"}))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var att models.Attachment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &att))
	assert.NotEmpty(t, att.ID)
	assert.Equal(t, "c1", att.CostEntryID)
	assert.Equal(t, "fuel slip.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.FileType)
	assert.Equal(t, int64(len(pdf)), att.FileSize)
	assert.Equal(t, now, att.UploadedAt)
	assert.True(t, strings.HasPrefix(att.FileURL, "https://storage.googleapis.com/test-bucket/attachments/c1/"), att.FileURL)

	require.Len(t, blobs.objects, 1)
	for key, data := range blobs.objects {
		assert.Equal(t, pdf, data, "stored bytes include the sniffed head")
		assert.Equal(t, "application/pdf", blobs.types[key])
	}
	assert.NoError(t, validate.Struct(att), "upload response is accepted by the resolve endpoint")
}

func TestAttachmentHandler_Rejections(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewAttachmentHandler(newMemBlobStore(), 1<<20, quietLogger()).Upload(w, multipartUpload(t, "", nil, map[string]string{"cost_entry_id": "c1"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unsupported type", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewAttachmentHandler(newMemBlobStore(), 1<<20, quietLogger()).Upload(w, multipartUpload(t, "run.sh", []byte("#!/bin/sh\necho hi\n"), nil))
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("too large", func(t *testing.T) {
		w := httptest.NewRecorder()
		big := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte("x"), 4096)...)
		NewAttachmentHandler(newMemBlobStore(), 1024, quietLogger()).Upload(w, multipartUpload(t, "big.pdf", big, nil))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/attachments", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		NewAttachmentHandler(newMemBlobStore(), 1<<20, quietLogger()).Upload(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		blobs := newMemBlobStore()
		blobs.err = errors.New("bucket gone")
		w := httptest.NewRecorder()
		NewAttachmentHandler(blobs, 1<<20, quietLogger()).Upload(w, multipartUpload(t, "slip.pdf", []byte("%PDF-1.4\n"), nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}
