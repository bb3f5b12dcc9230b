// Package content enforces content-type and size policy on fetched pages and
// detects duplicate bodies within a single crawl run. It runs strictly after
// the fetch: rate and breaker permits are already spent by the time a body is
// rejected here.
package content

import (
	"fmt"
	"mime"
	"strings"
	"sync"

	"github.com/harvestio/harvester/internal/crawler"
)

// DefaultAllowedTypes are the media types indexed when no allowlist is
// configured.
var DefaultAllowedTypes = []string{
	"text/html",
	"application/xhtml+xml",
	"text/plain",
	"text/xml",
	"application/xml",
}

// DefaultMaxBodyBytes caps page bodies when no limit is configured.
const DefaultMaxBodyBytes = 5 << 20

// RejectError reports a page rejected by policy. It is terminal for the URL.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

// Config tunes the filter.
type Config struct {
	// AllowedTypes is a media-type allowlist matched against the parsed
	// Content-Type (parameters stripped).
	AllowedTypes []string
	MaxBodyBytes int64
}

// Filter applies content policy for one crawl run. The duplicate set is
// scoped to the Filter, so construct one per run.
type Filter struct {
	allowed  map[string]struct{}
	maxBytes int64
	hasher   crawler.Hasher

	seen sync.Map // content hash -> struct{}
}

// New builds a Filter, applying defaults for unset fields.
func New(cfg Config, hasher crawler.Hasher) *Filter {
	types := cfg.AllowedTypes
	if len(types) == 0 {
		types = DefaultAllowedTypes
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return &Filter{allowed: allowed, maxBytes: maxBytes, hasher: hasher}
}

// Accept applies the type and size policy to response metadata.
// contentLength < 0 means the server did not advertise a length; the size
// check then falls to the buffered body in Check.
func (f *Filter) Accept(contentType string, contentLength int64) error {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if _, ok := f.allowed[mediaType]; !ok {
		return &RejectError{Reason: fmt.Sprintf("content type %q not allowed", contentType)}
	}
	if contentLength > f.maxBytes {
		return &RejectError{Reason: fmt.Sprintf("content length %d exceeds limit %d", contentLength, f.maxBytes)}
	}
	return nil
}

// Check applies the full policy to a fetched response: advertised length,
// actual body size, and media type.
func (f *Filter) Check(resp crawler.FetchResponse) error {
	length := int64(-1)
	if v := resp.Headers.Get("Content-Length"); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			length = n
		}
	}
	if err := f.Accept(resp.ContentType(), length); err != nil {
		return err
	}
	if int64(len(resp.Body)) > f.maxBytes {
		return &RejectError{Reason: fmt.Sprintf("body size %d exceeds limit %d", len(resp.Body), f.maxBytes)}
	}
	return nil
}

// Hash returns the dedup digest of a page body.
func (f *Filter) Hash(body []byte) (string, error) {
	return f.hasher.Hash(body)
}

// IsDuplicate records the hash and reports whether an identical body was
// already seen in this run. The first caller for a given hash gets false.
func (f *Filter) IsDuplicate(hash string) bool {
	_, loaded := f.seen.LoadOrStore(hash, struct{}{})
	return loaded
}
