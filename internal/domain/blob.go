package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader inspects object storage.
type BlobReader interface {
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// EventArchiver exports raw events to cold storage. Events are never removed
// from the raw store.
type EventArchiver interface {
	// ArchiveAfter exports records strictly after pos and returns the last
	// exported position and the number of records written.
	ArchiveAfter(ctx context.Context, pos Position) (Position, int64, error)
}
