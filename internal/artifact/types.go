// Package artifact defines the core types shared across the artifact cache subsystems.
package artifact

import "time"

// Kind names an artifact family served by this process.
type Kind string

// Artifact kinds.
const (
	KindFavicon    Kind = "favicon"
	KindScreenshot Kind = "screenshot"
)

// EntryKind discriminates the two shapes a cache entry can take.
type EntryKind string

// Entry kinds persisted in the index file.
const (
	// EntryArtifact has a backing content file.
	EntryArtifact EntryKind = "artifact"
	// EntryEmpty records a confirmed-absent artifact and has no file.
	EntryEmpty EntryKind = "empty"
)

// Entry is the metadata recorded for one cache key.
type Entry struct {
	Key         string    `json:"key"`
	Kind        EntryKind `json:"kind"`
	File        string    `json:"file,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	StaleAfter  time.Time `json:"stale_after"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	OriginalURL string    `json:"original_url,omitempty"`
}

// IsEmpty reports whether the entry is a no-file placeholder.
func (e Entry) IsEmpty() bool {
	return e.Kind == EntryEmpty
}

// IsFresh reports whether the entry is inside its freshness lifetime.
func (e Entry) IsFresh(now time.Time) bool {
	return now.Before(e.StaleAfter) && now.Before(e.ExpiresAt)
}

// IsStaleButValid reports stale_after <= now < expires_at.
func (e Entry) IsStaleButValid(now time.Time) bool {
	return !now.Before(e.StaleAfter) && now.Before(e.ExpiresAt)
}

// IsExpired reports whether now has reached expires_at. Exactly one of
// IsFresh, IsStaleButValid and IsExpired holds at any instant.
func (e Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Artifact is the raw output of a producer before it is persisted.
type Artifact struct {
	Body        []byte
	ContentType string
	OriginalURL string
}

// Cached is a cache lookup result. Body is nil for empty entries.
type Cached struct {
	Entry Entry
	Body  []byte
}

// CacheStatus classifies how a response was satisfied.
type CacheStatus string

// Cache status values surfaced in the x-disk-cache header.
const (
	CacheHit   CacheStatus = "HIT"
	CacheStale CacheStatus = "STALE"
	CacheMiss  CacheStatus = "MISS"
)

// Result is what the Service hands to the HTTP layer.
type Result struct {
	Cached
	Status CacheStatus
	// NoStore is set when the caller forced a refresh; the response must not be cached downstream.
	NoStore bool
}

// Request describes one inbound artifact lookup.
type Request struct {
	URL string
	// Refresh bypasses the cache lookup and always produces.
	Refresh bool
	// Trusted skips the allow-list; used for the service's own pages.
	Trusted bool
}
