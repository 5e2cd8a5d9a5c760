package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

const (
	cacheStatusHeader = "x-disk-cache"
	originalURLHeader = "X-Original-URL"
)

// writeArtifact renders a service result: conditional requests, cache
// headers, empty placeholders and body encoding.
func (s *Server) writeArtifact(w http.ResponseWriter, r *http.Request, res artifact.Result) {
	now := s.clock.Now()
	entry := res.Entry
	h := w.Header()
	h.Set(cacheStatusHeader, string(res.Status))
	h.Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
	if entry.OriginalURL != "" {
		h.Set(originalURLHeader, entry.OriginalURL)
	}
	if entry.ETag != "" {
		h.Set("ETag", entry.ETag)
	}

	if res.NoStore {
		setNoStore(h)
	} else {
		setCacheHeaders(h, entry, now)
		if entry.ETag != "" && !entry.IsExpired(now) && etagMatches(r.Header.Get("If-None-Match"), entry.ETag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	if entry.IsEmpty() || len(res.Body) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.Set("Content-Type", entry.ContentType)
	if err := writeEncoded(w, r, res.Body); err != nil {
		s.logger.Debug("write artifact body", zap.String("key", entry.Key), zap.Error(err))
	}
}

// setCacheHeaders classifies the entry as fresh or stale-while-revalidate.
func setCacheHeaders(h http.Header, entry artifact.Entry, now time.Time) {
	if entry.IsFresh(now) {
		h.Set("Cache-Control", "public, max-age="+strconv.FormatInt(secondsUntil(entry.StaleAfter, now), 10))
		h.Set("Expires", entry.StaleAfter.UTC().Format(http.TimeFormat))
		return
	}
	h.Set("Cache-Control", "public, max-age=0, stale-while-revalidate="+
		strconv.FormatInt(secondsUntil(entry.ExpiresAt, now), 10))
	h.Set("Expires", now.UTC().Format(http.TimeFormat))
}

func setNoStore(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// secondsUntil rounds up so a fraction of a second left is still advertised.
func secondsUntil(t, now time.Time) int64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}
