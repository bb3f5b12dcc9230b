package crawler

import (
	"net/http"
	"time"
)

// CrawlJob is the immutable input to one crawl run: ordered seed URLs, a
// depth bound, and optional per-job overrides. It is created by the caller,
// consumed once, and never mutated mid-flight.
type CrawlJob struct {
	ID            string            `json:"id"`
	Seeds         []string          `json:"seeds"`
	MaxDepth      int               `json:"max_depth"`
	MaxPages      int               `json:"max_pages,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	RatePerSecond float64           `json:"rate_per_second,omitempty"`
	AllowDomains  []string          `json:"allow_domains,omitempty"`
	DenyDomains   []string          `json:"deny_domains,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Submitted     time.Time         `json:"submitted_at"`
}

// FetchRequest captures everything the transport needs to fetch one URL.
type FetchRequest struct {
	JobID     string
	URL       string
	Depth     int
	UserAgent string
	Headers   http.Header
}

// FetchResponse is the raw result returned by a Fetcher. A non-2xx status
// is reported here, not as an error; errors are reserved for transport
// failures where no response was obtained.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header, if any.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// CrawledDocument is the normalized output of one successful fetch, owned by
// the caller once handed to the document sink.
type CrawledDocument struct {
	JobID          string    `json:"job_id"`
	CanonicalURL   string    `json:"canonical_url"`
	FetchedAt      time.Time `json:"fetched_at"`
	StatusCode     int       `json:"status_code"`
	ContentType    string    `json:"content_type"`
	ContentHash    string    `json:"content_hash"`
	ExtractedLinks []string  `json:"extracted_links,omitempty"`
	RawContentRef  string    `json:"raw_content_ref"`
}

// ErrorKind labels the failure class of a CrawlError.
type ErrorKind string

// Error kinds recorded in the error sink.
const (
	ErrorKindURL        ErrorKind = "url"
	ErrorKindTransport  ErrorKind = "transport"
	ErrorKindHTTPStatus ErrorKind = "http_status"
	ErrorKindContent    ErrorKind = "content_rejected"
	ErrorKindSink       ErrorKind = "sink"
)

// CrawlError is an append-only audit record for a URL that failed terminally.
type CrawlError struct {
	JobID      string    `json:"job_id"`
	URL        string    `json:"url"`
	Domain     string    `json:"domain"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts"`
	LastStatus int       `json:"last_status,omitempty"`
	At         time.Time `json:"at"`
}

// SkipReason explains why a URL was deliberately not fetched or not indexed.
// Skips are throttling/policy decisions, reported distinctly from errors so
// operators can tell "domain is down" from "domain is off limits right now".
type SkipReason string

// Skip reasons surfaced on outcome events.
const (
	SkipRobotsDisallowed SkipReason = "robots_disallowed"
	SkipCircuitOpen      SkipReason = "circuit_open"
	SkipDuplicateContent SkipReason = "duplicate_content"
	SkipDomainDenied     SkipReason = "domain_denied"
)

// OutcomeKind is the terminal state of one URL within a job run.
type OutcomeKind string

// Outcome kinds emitted on the orchestrator's event stream.
const (
	OutcomeIndexed OutcomeKind = "indexed"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
)

// OutcomeEvent is one entry in the orchestrator's per-job event stream.
// Exactly one event is emitted per dispatched URL; Document is set for
// indexed outcomes, Error for failed ones, Skip for skipped ones.
type OutcomeEvent struct {
	JobID    string           `json:"job_id"`
	URL      string           `json:"url"`
	Kind     OutcomeKind      `json:"kind"`
	Skip     SkipReason       `json:"skip_reason,omitempty"`
	Document *CrawledDocument `json:"document,omitempty"`
	Error    *CrawlError      `json:"error,omitempty"`
	// Attempts is how many fetch attempts the URL consumed, including the
	// one that settled it. Zero for outcomes that never dispatched a fetch.
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
}

// JobCounters tallies terminal outcomes for one job run.
type JobCounters struct {
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Retries int `json:"retries"`
}

// Observe folds one outcome event into the counters.
func (c *JobCounters) Observe(ev OutcomeEvent) {
	switch ev.Kind {
	case OutcomeIndexed:
		c.Indexed++
	case OutcomeFailed:
		c.Failed++
	case OutcomeSkipped:
		c.Skipped++
	}
	attempts := ev.Attempts
	if ev.Error != nil && ev.Error.Attempts > attempts {
		attempts = ev.Error.Attempts
	}
	if attempts > 1 {
		c.Retries += attempts - 1
	}
}
