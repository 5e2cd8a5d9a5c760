package favicon

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

const maxTrackedSources = 4096

// RateCap bounds how often each source URL may be fetched within an hour.
type RateCap struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	clock    artifact.Clock
}

// NewRateCap allows perHour fetches per source in any rolling hour. The
// bucket holds perHour tokens and refills one per hour, so no hour-long window
// admits more than perHour. A non-positive perHour disables the cap.
func NewRateCap(perHour int, clock artifact.Clock) *RateCap {
	r := &RateCap{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Inf,
		burst:    1,
		clock:    clock,
	}
	if perHour > 0 {
		r.limit = rate.Every(time.Hour)
		r.burst = perHour
	}
	return r
}

// Allow consumes one token for key if available.
func (r *RateCap) Allow(key string) bool {
	if r == nil || r.limit == rate.Inf {
		return true
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxTrackedSources {
			r.pruneLocked(now)
		}
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	return limiter.AllowN(now, 1)
}

// pruneLocked forgets sources whose bucket has refilled; they behave like new ones.
func (r *RateCap) pruneLocked(now time.Time) {
	for key, limiter := range r.limiters {
		if limiter.TokensAt(now) >= float64(r.burst) {
			delete(r.limiters, key)
		}
	}
}
