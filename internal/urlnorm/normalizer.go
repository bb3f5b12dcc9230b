// Package urlnorm canonicalizes URLs and tracks which canonical forms have
// already been claimed within a crawl run.
package urlnorm

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Default query parameters stripped during normalization. Prefix entries end
// with "*" and match any parameter sharing the prefix.
var defaultTrackingParams = []string{
	"utm_*",
	"gclid",
	"fbclid",
	"msclkid",
	"mc_cid",
	"mc_eid",
	"ref",
	"sessionid",
	"phpsessid",
	"jsessionid",
	"sid",
}

// Normalizer applies the canonicalization pipeline. The zero value is not
// usable; construct with New.
type Normalizer struct {
	exact    map[string]struct{}
	prefixes []string
}

// New builds a Normalizer with the given tracking-parameter denylist.
// An empty denylist falls back to the built-in default.
func New(trackingParams []string) *Normalizer {
	if len(trackingParams) == 0 {
		trackingParams = defaultTrackingParams
	}
	n := &Normalizer{exact: make(map[string]struct{})}
	for _, p := range trackingParams {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			n.prefixes = append(n.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		n.exact[p] = struct{}{}
	}
	return n
}

// Normalize canonicalizes rawURL, resolving it against base when base is
// non-nil and rawURL is relative. The result is stable: normalizing a
// normalized URL returns it unchanged. Malformed and non-HTTP(S) URLs return
// an error, which is fatal for that single URL only.
func (n *Normalizer) Normalize(rawURL string, base *url.URL) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, rawURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}
	u.Host = strings.ToLower(u.Host)

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = n.cleanQuery(u.Query())

	u.Path = strings.TrimRight(u.Path, "/")
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// cleanQuery drops denylisted parameters and re-encodes the remainder in
// lexicographic key order for stable identity.
func (n *Normalizer) cleanQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		if n.isTracking(k) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func (n *Normalizer) isTracking(key string) bool {
	key = strings.ToLower(key)
	if _, ok := n.exact[key]; ok {
		return true
	}
	for _, p := range n.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Domain extracts the lowercase hostname of a canonical URL.
func Domain(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
