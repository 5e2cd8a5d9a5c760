package favicon

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Candidates returns icon URLs declared by an HTML page, in document order,
// followed by /favicon.ico at the page origin. Relative hrefs are resolved
// against base, which should be the final URL after redirects. The result
// never contains duplicates.
func Candidates(base *url.URL, html []byte) []*url.URL {
	seen := make(map[string]struct{})
	var out []*url.URL
	add := func(u *url.URL) {
		key := u.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html)); err == nil {
		// The whole document is searched; broken pages put <link> in <body>.
		doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
			if !hasIconRel(s.AttrOr("rel", "")) {
				return
			}
			href := strings.TrimSpace(s.AttrOr("href", ""))
			if href == "" {
				return
			}
			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			u := base.ResolveReference(ref)
			if u.Scheme != "http" && u.Scheme != "https" {
				return
			}
			u.Fragment = ""
			add(u)
		})
	}

	add(base.ResolveReference(&url.URL{Path: "/favicon.ico"}))
	return out
}

func hasIconRel(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "icon" {
			return true
		}
	}
	return false
}
