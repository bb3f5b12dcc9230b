package urlnorm

import (
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_Rules(t *testing.T) {
	t.Parallel()

	n := New(nil)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"keeps explicit port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"strips fragment", "https://example.com/a#section-2", "https://example.com/a"},
		{"strips trailing slash", "https://example.com/a/b/", "https://example.com/a/b"},
		{"strips repeated trailing slashes", "https://example.com/a//", "https://example.com/a"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"collapses all-slash path to root", "https://example.com///", "https://example.com/"},
		{"adds root path", "https://example.com", "https://example.com/"},
		{"drops utm params", "https://example.com/a?utm_source=x&utm_medium=y&q=1", "https://example.com/a?q=1"},
		{"drops session ids", "https://example.com/a?PHPSESSID=deadbeef&q=1", "https://example.com/a?q=1"},
		{"sorts query params", "https://example.com/a?z=1&a=2&m=3", "https://example.com/a?a=2&m=3&z=1"},
		{"all params tracked", "https://example.com/a?utm_source=x&gclid=y", "https://example.com/a"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := n.Normalize(tc.in, nil)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	n := New(nil)
	inputs := []string{
		"HTTP://Example.com:80/a/b/?utm_campaign=q&z=9&a=1#frag",
		"https://example.com/",
		"https://example.com/path?b=2&a=1",
		"https://example.com/a//",
		"https://example.com///",
	}
	for _, in := range inputs {
		once, err := n.Normalize(in, nil)
		require.NoError(t, err)
		twice, err := n.Normalize(once, nil)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestNormalize_ResolvesRelativeAgainstBase(t *testing.T) {
	t.Parallel()

	n := New(nil)
	base, err := url.Parse("https://example.com/docs/guide/")
	require.NoError(t, err)

	got, err := n.Normalize("../api/v2?b=2&a=1", base)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/docs/api/v2?a=1&b=2", got)
}

func TestNormalize_Errors(t *testing.T) {
	t.Parallel()

	n := New(nil)
	for _, in := range []string{
		"mailto:someone@example.com",
		"javascript:void(0)",
		"ftp://example.com/file",
		"/relative/without/base",
		"://bad",
	} {
		_, err := n.Normalize(in, nil)
		require.Error(t, err, "input %q", in)
	}
}

func TestNormalize_CustomDenylist(t *testing.T) {
	t.Parallel()

	n := New([]string{"track_*", "visitor"})
	got, err := n.Normalize("https://example.com/a?track_id=1&visitor=2&q=3&utm_source=4", nil)
	require.NoError(t, err)
	// utm_source survives because the custom denylist replaces the default.
	require.Equal(t, "https://example.com/a?q=3&utm_source=4", got)
}

func TestDedupSet_ClaimsOnce(t *testing.T) {
	t.Parallel()

	set := NewDedupSet()
	require.True(t, set.MarkIfNew("https://example.com/"))
	require.False(t, set.MarkIfNew("https://example.com/"))
	require.True(t, set.Seen("https://example.com/"))
	require.False(t, set.MarkIfNew(""))
}

func TestDedupSet_ConcurrentSingleClaim(t *testing.T) {
	t.Parallel()

	set := NewDedupSet()
	const goroutines = 32
	var wg sync.WaitGroup
	claims := make(chan bool, goroutines)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims <- set.MarkIfNew("https://example.com/contended")
		}()
	}
	wg.Wait()
	close(claims)

	won := 0
	for c := range claims {
		if c {
			won++
		}
	}
	require.Equal(t, 1, won)
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Domain("https://example.com:8443/a"))
	require.Equal(t, "", Domain("://bad"))
}
