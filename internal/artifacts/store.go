// Package artifacts offloads oversized tool outputs to an S3-compatible
// bucket so conversations and the bounded state store only ever carry a
// reference, never a multi-megabyte blob.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// PutOptions carries optional object metadata.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store is the artifact storage contract. S3Store is the production
// implementation.
type Store interface {
	// Put stores data under artifactID and returns a stable reference URL.
	Put(ctx context.Context, artifactID string, data io.Reader, opts PutOptions) (string, error)

	// Get retrieves a stored artifact.
	Get(ctx context.Context, artifactID string) (io.ReadCloser, error)

	// Delete removes a stored artifact.
	Delete(ctx context.Context, artifactID string) error
}

// DefaultInlineLimit is the largest tool output kept inline in the
// conversation; anything larger is offloaded.
const DefaultInlineLimit = 64 * 1024

// Offloader replaces oversized payloads with a reference into a Store.
type Offloader struct {
	store       Store
	inlineLimit int
}

// NewOffloader wraps store with an inline-size threshold (DefaultInlineLimit
// when limit <= 0).
func NewOffloader(store Store, limit int) *Offloader {
	if limit <= 0 {
		limit = DefaultInlineLimit
	}
	return &Offloader{store: store, inlineLimit: limit}
}

// MaybeOffload stores content when it exceeds the inline limit, returning a
// short reference string and true. Under-limit content (or a nil Offloader)
// passes through unchanged. Storage failures keep the content inline rather
// than losing it.
func (o *Offloader) MaybeOffload(ctx context.Context, artifactID, content string) (string, bool) {
	if o == nil || o.store == nil || len(content) <= o.inlineLimit {
		return content, false
	}
	ref, err := o.store.Put(ctx, artifactID, strings.NewReader(content), PutOptions{MimeType: "text/plain"})
	if err != nil {
		return content, false
	}
	return fmt.Sprintf("[offloaded %d bytes to %s]", len(content), ref), true
}
