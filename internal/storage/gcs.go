package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// BlobStore stores evidence files and returns a URL to read them back.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}

// GCS is a BlobStore on a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

var _ BlobStore = (*GCS)(nil)

// NewGCS connects to bucket using credentialsFile, or application default
// credentials when it is empty.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Put uploads r under key.
func (g *GCS) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", key, err)
	}
	return PublicURL(g.bucket, key), nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// PublicURL is the storage.googleapis.com address of key in bucket.
func PublicURL(bucket, key string) string {
	u := url.URL{Scheme: "https", Host: "storage.googleapis.com", Path: "/" + bucket + "/" + key}
	return u.String()
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey places an upload for costEntryID under a unique, path-safe name.
func ObjectKey(costEntryID, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "_.")
	if base == "" {
		base = "file"
	}
	owner := unsafeChars.ReplaceAllString(costEntryID, "_")
	if owner == "" {
		owner = "unassigned"
	}
	return fmt.Sprintf("attachments/%s/%s-%s", owner, uuid.NewString(), base)
}

var allowedTypes = map[string]bool{
	"application/pdf":          true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"text/csv":   true,
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// DetectContentType sniffs head, falling back to the extension for the
// zip-based and text formats the sniffer cannot tell apart. It reports
// whether the type is accepted as evidence.
func DetectContentType(filename string, head []byte) (string, bool) {
	ct := http.DetectContentType(head)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	ext := strings.ToLower(path.Ext(filename))
	switch {
	case ct == "application/zip" && ext == ".xlsx":
		ct = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ct == "text/plain" && ext == ".csv":
		ct = "text/csv"
	}
	return ct, allowedTypes[ct]
}
