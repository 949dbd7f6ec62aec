package object

import (
	"context"
	"io"
)

// ObjectStore saves and retrieves stored transcript objects. Keys are
// namespaced by the owning organization.
type ObjectStore interface {
	Save(ctx context.Context, orgID string, fileName string, r io.Reader) (storageKey string, sizeBytes int64, mimeType string, err error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
}
