package artifact

import "errors"

// Error taxonomy surfaced by the service. The HTTP layer maps these with errors.Is.
var (
	// ErrInvalidURL marks a missing, unparsable or non-http(s) URL.
	ErrInvalidURL = errors.New("invalid url")
	// ErrNotAllowed marks a URL absent from the allow-list.
	ErrNotAllowed = errors.New("url not in allow-list")
	// ErrRobotsDisallowed marks a URL whose robots policy forbids fetching.
	ErrRobotsDisallowed = errors.New("robots policy disallows url")
	// ErrAllowListUnavailable is returned when no allow-list snapshot has ever been loaded.
	ErrAllowListUnavailable = errors.New("allow-list unavailable")
	// ErrNotFound is returned by producers when the artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrUpstream marks an unreachable, failing or slow target site.
	ErrUpstream = errors.New("upstream fetch failed")
	// ErrTooManyRequests is returned when the concurrency limiter is saturated.
	ErrTooManyRequests = errors.New("too many concurrent requests")
	// ErrStorage marks a failure to persist an artifact.
	ErrStorage = errors.New("cache storage failure")
	// ErrBrowser marks a headless browser launch or crash failure.
	ErrBrowser = errors.New("browser unavailable")
)

// IsPolicyError reports whether err is a security-relevant rejection.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrNotAllowed) || errors.Is(err, ErrRobotsDisallowed)
}
