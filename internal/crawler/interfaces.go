package crawler

import (
	"context"
	"time"
)

// Fetcher performs one HTTP GET and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// DocumentSink receives crawled documents for indexing.
type DocumentSink interface {
	Index(ctx context.Context, doc CrawledDocument) error
}

// ErrorSink records terminal per-URL failures for auditing.
type ErrorSink interface {
	Record(ctx context.Context, crawlErr CrawlError) error
}

// BlobStore persists raw page bytes and returns a URI for them.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// AckFunc acknowledges a dequeued job so the transport will not redeliver it.
type AckFunc func()

// JobQueue is the job transport: a consumer interface yielding CrawlJobs
// with a completion acknowledgement.
type JobQueue interface {
	Enqueue(ctx context.Context, job CrawlJob) error
	Dequeue(ctx context.Context) (CrawlJob, AckFunc, error)
}

// Publisher pushes job completion events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (swappable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
