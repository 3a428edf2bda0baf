package storage

import (
	"context"
	"errors"
	"io"
)

var ErrEmptyKey = errors.New("object key is required")

// Object describes a stored blob
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// BlobStore persists opaque files and returns a URL that can be stored on a
// contract or milestone. Callers never read the blob back through it.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*Object, error)
}
