package artifact

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseTargetURL validates that rawURL is an absolute http or https URL with a host.
func ParseTargetURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("url parameter required: %w", ErrInvalidURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", ErrInvalidURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q: %w", u.Scheme, ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host: %w", ErrInvalidURL)
	}
	return u, nil
}

// NormalizeURL standardizes a URL so allow-list lookups tolerate cosmetic differences.
// It lowercases the scheme and host, removes default ports, drops the fragment
// and trims a trailing slash from the path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}
