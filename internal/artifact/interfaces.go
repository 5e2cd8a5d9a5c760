package artifact

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for ETags and file names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Producer performs the expensive work of obtaining a fresh artifact.
// It returns ErrNotFound when the artifact is confirmed absent.
type Producer interface {
	Produce(ctx context.Context, rawURL string) (Artifact, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, rawURL string) (Artifact, error)

// Produce calls f.
func (f ProducerFunc) Produce(ctx context.Context, rawURL string) (Artifact, error) {
	return f(ctx, rawURL)
}

// Store persists artifacts and their metadata.
type Store interface {
	Get(ctx context.Context, key string) (Cached, bool)
	Put(ctx context.Context, key string, art Artifact, expiresIn time.Duration) (Entry, error)
	PutEmpty(ctx context.Context, key string, ttl time.Duration) (Entry, error)
	Entries(ctx context.Context) []Entry
}

// Gate decides which URLs this service may act on.
type Gate interface {
	IsAllowed(ctx context.Context, rawURL string) (bool, error)
	RobotsPermits(ctx context.Context, rawURL string) (bool, error)
}

// Limiter bounds concurrent producer executions.
type Limiter interface {
	AcquireWithin(ctx context.Context, wait time.Duration) (release func(), err error)
}
