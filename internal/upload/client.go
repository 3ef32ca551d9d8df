// internal/upload/client.go
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	simplecontent "github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/tendant/tom-education/internal/artifact"
)

const urlScheme = "content://"

var ErrNoParent = errors.New("content artifacts must be derived from a content-backed input")

// Client stores job outputs as derived content in simple-content.
type Client struct {
	svc     simplecontent.Service
	backend string
}

// NewClient wraps a simple-content service with the configured default storage backend.
func NewClient(svc simplecontent.Service, defaultBackend string) *Client {
	return &Client{svc: svc, backend: defaultBackend}
}

func (c *Client) Kind() string { return artifact.StorageContent }

// Put uploads r as content derived from obj.Parent.
func (c *Client) Put(ctx context.Context, obj artifact.Object, r io.Reader, size int64) (artifact.Ref, error) {
	if obj.Parent == "" {
		return artifact.Ref{}, ErrNoParent
	}
	parentID, err := uuid.Parse(obj.Parent)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("parse parent content id: %w", err)
	}
	parent, err := c.svc.GetContent(ctx, parentID)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("get parent content: %w", err)
	}

	fileName := filepath.Base(obj.Filename)
	tags := []string{"tom-education"}
	if obj.Tag != "" {
		tags = append(tags, obj.Tag)
	}
	derived, err := c.svc.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:           parent.ID,
		OwnerID:            parent.OwnerID,
		TenantID:           parent.TenantID,
		DerivationType:     derivationType(obj.Tag),
		Variant:            variant(fileName),
		StorageBackendName: c.backend,
		Reader:             r,
		FileName:           fileName,
		FileSize:           size,
		Tags:               tags,
		Metadata: map[string]interface{}{
			"owner":     obj.OwnerID,
			"mime_type": mimeByExt(fileName),
		},
	})
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("upload derived content: %w", err)
	}
	loc := derived.ID.String()
	return artifact.Ref{Storage: artifact.StorageContent, Location: loc, URL: urlScheme + loc}, nil
}

func (c *Client) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	id, err := uuid.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse content id: %w", err)
	}
	reader, err := c.svc.DownloadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("download content: %w", err)
	}
	return reader, nil
}

func (c *Client) Delete(ctx context.Context, location string) error {
	id, err := uuid.Parse(location)
	if err != nil {
		return fmt.Errorf("parse content id: %w", err)
	}
	if err := c.svc.DeleteContent(ctx, id); err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}

// Filename returns the stored file name of a content, falling back to fallback.
func (c *Client) Filename(ctx context.Context, location, fallback string) string {
	id, err := uuid.Parse(location)
	if err != nil {
		return fallback
	}
	meta, err := c.svc.GetContentMetadata(ctx, id)
	if err != nil || meta.FileName == "" {
		return fallback
	}
	return meta.FileName
}

func derivationType(tag string) string {
	if tag == "" {
		return "output"
	}
	return tag
}

// variant names the derived content after its format, e.g. output_gif.
func variant(fileName string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if ext == "" {
		return "output"
	}
	return "output_" + ext
}

func mimeByExt(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".fits", ".fit", ".fts":
		return "application/fits"
	case ".txt", ".csv":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}
