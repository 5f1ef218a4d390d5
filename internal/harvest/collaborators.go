package harvest

import "context"

// RecordStore persists harvested page records.
type RecordStore interface {
	SavePage(ctx context.Context, record PageRecord) error
}

// BlobStore archives raw page bodies and returns a stable URI.
type BlobStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// Publisher announces completed harvests to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, record PageRecord) error
}
