// Package provider abstracts the object storage that holds raw source exports
// and the lake's staging and result areas.
//
// Implementations use SDK default credential chains and must be safe for
// concurrent use; the commit pass copies objects from several goroutines.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider is the object storage surface used by readers and writers.
type Provider interface {
	// List returns a page of objects under a prefix, in key order.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Get opens an object for reading. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Put creates or replaces an object.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Copy duplicates srcKey to dstKey, replacing dstKey if present.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the page size. Zero uses the provider default (1000).
	MaxKeys int
}

// ListResult is one page of a listing.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is empty on the last page.
	ContinuationToken string
}

// ObjectSummary describes one stored object.
type ObjectSummary struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListAll pages through every object under prefix.
func ListAll(ctx context.Context, p Provider, prefix string) ([]ObjectSummary, error) {
	var (
		out   []ObjectSummary
		token string
	)
	for {
		page, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if page.ContinuationToken == "" {
			return out, nil
		}
		token = page.ContinuationToken
	}
}

// Type identifies a storage backend.
type Type string

const (
	// ProviderFile stores objects under a local directory.
	ProviderFile Type = "file"

	// ProviderS3 is AWS S3 or an S3-compatible store.
	ProviderS3 Type = "s3"
)

func (t Type) String() string {
	return string(t)
}
