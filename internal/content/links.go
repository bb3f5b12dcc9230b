package content

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// ExtractLinks returns the href values of anchor tags in an HTML body, in
// document order with exact duplicates removed. Hrefs are returned as
// written; resolution against the page URL is the caller's job.
func ExtractLinks(body []byte) []string {
	var links []string
	seen := make(map[string]struct{})

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if len(name) != 1 || name[0] != 'a' || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					href := strings.TrimSpace(string(val))
					if href != "" {
						if _, dup := seen[href]; !dup {
							seen[href] = struct{}{}
							links = append(links, href)
						}
					}
					break
				}
				if !more {
					break
				}
			}
		}
	}
}
