package urlnorm

import "sync"

// DedupSet tracks canonical URLs seen within one crawl run. Claiming a URL is
// atomic, so it doubles as the claim check that guarantees at most one
// dispatch per canonical URL per run.
type DedupSet struct {
	seen sync.Map
}

// NewDedupSet returns an empty set scoped to one crawl run.
func NewDedupSet() *DedupSet {
	return &DedupSet{}
}

// MarkIfNew claims the canonical URL. It returns true exactly once per URL.
func (s *DedupSet) MarkIfNew(canonical string) bool {
	if canonical == "" {
		return false
	}
	_, loaded := s.seen.LoadOrStore(canonical, struct{}{})
	return !loaded
}

// Seen reports whether the URL has been claimed without claiming it.
func (s *DedupSet) Seen(canonical string) bool {
	_, ok := s.seen.Load(canonical)
	return ok
}
