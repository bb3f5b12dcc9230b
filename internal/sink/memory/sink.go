// Package memory collects crawled documents and errors in process memory,
// for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/harvestio/harvester/internal/crawler"
)

// Sink is an in-memory DocumentSink and ErrorSink.
type Sink struct {
	mu     sync.Mutex
	docs   []crawler.CrawledDocument
	errors []crawler.CrawlError
}

// New returns an empty Sink.
func New() *Sink { return &Sink{} }

// Index appends a document.
func (s *Sink) Index(ctx context.Context, doc crawler.CrawledDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return nil
}

// Record appends a crawl error.
func (s *Sink) Record(ctx context.Context, crawlErr crawler.CrawlError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, crawlErr)
	return nil
}

// Documents returns a copy of the indexed documents.
func (s *Sink) Documents() []crawler.CrawledDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.CrawledDocument(nil), s.docs...)
}

// Errors returns a copy of the recorded errors.
func (s *Sink) Errors() []crawler.CrawlError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.CrawlError(nil), s.errors...)
}
