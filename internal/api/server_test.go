package api

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeService struct {
	kind artifact.Kind
	res  artifact.Result
	err  error

	mu   sync.Mutex
	reqs []artifact.Request
}

func (f *fakeService) Serve(_ context.Context, req artifact.Request) (artifact.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.res, f.err
}

func (f *fakeService) Kind() artifact.Kind {
	return f.kind
}

func (f *fakeService) last(t *testing.T) artifact.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs)
	return f.reqs[len(f.reqs)-1]
}

type readiness bool

func (r readiness) Ready() bool { return bool(r) }

func freshEntry() artifact.Entry {
	return artifact.Entry{
		Key:         "https://member.example",
		Kind:        artifact.EntryArtifact,
		File:        "abc",
		CreatedAt:   epoch,
		StaleAfter:  epoch.Add(time.Hour),
		ExpiresAt:   epoch.Add(24 * time.Hour),
		ContentType: "image/png",
		ETag:        `"0123456789abcdef"`,
		OriginalURL: "https://member.example/icon.png",
	}
}

func newTestServer(t *testing.T, cfg Config, favicons, screenshots ArtifactService) (*Server, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	if favicons == nil {
		favicons = &fakeService{kind: artifact.KindFavicon}
	}
	if screenshots == nil {
		screenshots = &fakeService{kind: artifact.KindScreenshot}
	}
	srv, err := NewServer(cfg, favicons, screenshots, readiness(true), clock, zap.NewNop())
	require.NoError(t, err)
	return srv, clock
}

func do(srv *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{}, nil, nil)
	rec := do(srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	notReady, err := NewServer(Config{}, &fakeService{}, &fakeService{}, readiness(false), &fakeClock{now: epoch}, nil)
	require.NoError(t, err)
	rec = do(notReady, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_FreshHit(t *testing.T) {
	t.Parallel()

	body := []byte("icon-bytes")
	favicons := &fakeService{
		kind: artifact.KindFavicon,
		res:  artifact.Result{Cached: artifact.Cached{Entry: freshEntry(), Body: body}, Status: artifact.CacheHit},
	}
	srv, _ := newTestServer(t, Config{AllowOrigin: "https://webchain.example"}, favicons, nil)

	rec := do(srv, http.MethodGet, "/api/favicon?url=https://member.example", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, body, rec.Body.Bytes())
	require.Equal(t, "HIT", rec.Header().Get("x-disk-cache"))
	require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	require.Equal(t, epoch.Add(time.Hour).Format(http.TimeFormat), rec.Header().Get("Expires"))
	require.Equal(t, `"0123456789abcdef"`, rec.Header().Get("ETag"))
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "https://member.example/icon.png", rec.Header().Get("X-Original-URL"))
	require.Equal(t, "https://webchain.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, "https://member.example", favicons.last(t).URL)
}

func TestServer_ConditionalRequest(t *testing.T) {
	t.Parallel()

	favicons := &fakeService{
		kind: artifact.KindFavicon,
		res:  artifact.Result{Cached: artifact.Cached{Entry: freshEntry(), Body: []byte("x")}, Status: artifact.CacheHit},
	}
	srv, clock := newTestServer(t, Config{}, favicons, nil)

	rec := do(srv, http.MethodGet, "/api/favicon?url=https://member.example",
		http.Header{"If-None-Match": {`"0123456789abcdef"`}})
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Empty(t, rec.Body.Bytes())
	require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	rec = do(srv, http.MethodGet, "/api/favicon?url=https://member.example",
		http.Header{"If-None-Match": {`W/"other", "0123456789abcdef"`}})
	require.Equal(t, http.StatusNotModified, rec.Code)

	rec = do(srv, http.MethodGet, "/api/favicon?url=https://member.example",
		http.Header{"If-None-Match": {`"mismatch"`}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "x", rec.Body.String())

	clock.Advance(2 * time.Hour)
	rec = do(srv, http.MethodGet, "/api/favicon?url=https://member.example",
		http.Header{"If-None-Match": {`"0123456789abcdef"`}})
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Equal(t, "public, max-age=0, stale-while-revalidate=79200", rec.Header().Get("Cache-Control"))

	clock.Advance(23 * time.Hour)
	rec = do(srv, http.MethodGet, "/api/favicon?url=https://member.example",
		http.Header{"If-None-Match": {`"0123456789abcdef"`}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StaleHit(t *testing.T) {
	t.Parallel()

	favicons := &fakeService{
		kind: artifact.KindFavicon,
		res:  artifact.Result{Cached: artifact.Cached{Entry: freshEntry(), Body: []byte("x")}, Status: artifact.CacheStale},
	}
	srv, clock := newTestServer(t, Config{}, favicons, nil)
	clock.Advance(90 * time.Minute)

	rec := do(srv, http.MethodGet, "/api/favicon?url=https://member.example", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "STALE", rec.Header().Get("x-disk-cache"))
	require.Equal(t, "public, max-age=0, stale-while-revalidate=81000", rec.Header().Get("Cache-Control"))
}

func TestServer_EmptyEntry(t *testing.T) {
	t.Parallel()

	entry := artifact.Entry{
		Key:        "https://member.example",
		Kind:       artifact.EntryEmpty,
		CreatedAt:  epoch,
		StaleAfter: epoch.Add(10 * time.Minute),
		ExpiresAt:  epoch.Add(10 * time.Minute),
	}
	favicons := &fakeService{
		kind: artifact.KindFavicon,
		res:  artifact.Result{Cached: artifact.Cached{Entry: entry}, Status: artifact.CacheMiss},
	}
	srv, _ := newTestServer(t, Config{}, favicons, nil)

	rec := do(srv, http.MethodGet, "/api/favicon?url=https://member.example", nil)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.Bytes())
	require.Equal(t, "MISS", rec.Header().Get("x-disk-cache"))
	require.Equal(t, "public, max-age=600", rec.Header().Get("Cache-Control"))
}

func TestServer_ForcedRefresh(t *testing.T) {
	t.Parallel()

	entry := freshEntry()
	entry.ContentType = "image/webp"
	screenshots := &fakeService{
		kind: artifact.KindScreenshot,
		res: artifact.Result{
			Cached:  artifact.Cached{Entry: entry, Body: []byte("webp")},
			Status:  artifact.CacheMiss,
			NoStore: true,
		},
	}
	srv, _ := newTestServer(t, Config{}, nil, screenshots)

	rec := do(srv, http.MethodGet, "/api/snap?url=https://member.example&refresh",
		http.Header{"If-None-Match": {`"0123456789abcdef"`}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store, no-cache, must-revalidate, proxy-revalidate", rec.Header().Get("Cache-Control"))
	require.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	require.Equal(t, "0", rec.Header().Get("Expires"))
	req := screenshots.last(t)
	require.True(t, req.Refresh)
	require.False(t, req.Trusted)
}

func TestServer_PathTarget(t *testing.T) {
	t.Parallel()

	screenshots := &fakeService{
		kind: artifact.KindScreenshot,
		res:  artifact.Result{Cached: artifact.Cached{Entry: freshEntry(), Body: []byte("webp")}, Status: artifact.CacheHit},
	}
	srv, _ := newTestServer(t, Config{SelfBaseURL: "https://webchain.example"}, nil, screenshots)

	rec := do(srv, http.MethodGet, "/api/snap?path=/rings/blue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	req := screenshots.last(t)
	require.Equal(t, "https://webchain.example/rings/blue", req.URL)
	require.True(t, req.Trusted)

	for _, bad := range []string{"rings", "//evil.example/x", "%2F%5Cevil.example"} {
		rec = do(srv, http.MethodGet, "/api/snap?path="+bad, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	disabled, _ := newTestServer(t, Config{}, nil, nil)
	rec = do(disabled, http.MethodGet, "/api/snap?path=/rings", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid url", fmt.Errorf("url parameter required: %w", artifact.ErrInvalidURL), http.StatusBadRequest},
		{"not allowed", fmt.Errorf("x: %w", artifact.ErrNotAllowed), http.StatusBadRequest},
		{"robots", fmt.Errorf("x: %w", artifact.ErrRobotsDisallowed), http.StatusBadRequest},
		{"saturated", fmt.Errorf("acquire: %w", artifact.ErrTooManyRequests), http.StatusTooManyRequests},
		{"allow-list down", fmt.Errorf("check: %w", artifact.ErrAllowListUnavailable), http.StatusServiceUnavailable},
		{"storage", fmt.Errorf("put: %w", artifact.ErrStorage), http.StatusServiceUnavailable},
		{"browser", fmt.Errorf("launch: %w", artifact.ErrBrowser), http.StatusServiceUnavailable},
		{"canceled", context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			screenshots := &fakeService{kind: artifact.KindScreenshot, err: tc.err}
			srv, _ := newTestServer(t, Config{}, nil, screenshots)

			rec := do(srv, http.MethodGet, "/api/snap?url=https://member.example", nil)

			require.Equal(t, tc.want, rec.Code)
			require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			if tc.want == http.StatusTooManyRequests {
				require.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestServer_Preflight(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{}, nil, nil)
	for _, path := range []string{"/api/favicon", "/api/snap"} {
		rec := do(srv, http.MethodOptions, path, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
		require.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestServer_Compression(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("favicon "), 128)
	favicons := &fakeService{
		kind: artifact.KindFavicon,
		res:  artifact.Result{Cached: artifact.Cached{Entry: freshEntry(), Body: body}, Status: artifact.CacheHit},
	}
	srv, _ := newTestServer(t, Config{}, favicons, nil)

	rec := do(srv, http.MethodGet, "/api/favicon?url=https://member.example",
		http.Header{"Accept-Encoding": {"deflate, gzip;q=0.8"}})
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	require.Contains(t, rec.Header().Values("Vary"), "Accept-Encoding")
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	decoded, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, body, decoded)

	rec = do(srv, http.MethodGet, "/api/favicon?url=https://member.example",
		http.Header{"Accept-Encoding": {"gzip;q=0, deflate"}})
	require.Equal(t, "deflate", rec.Header().Get("Content-Encoding"))
	fr, err := zlib.NewReader(rec.Body)
	require.NoError(t, err)
	decoded, err = io.ReadAll(fr)
	require.NoError(t, err)
	require.Equal(t, body, decoded)

	rec = do(srv, http.MethodGet, "/api/favicon?url=https://member.example",
		http.Header{"Accept-Encoding": {"br"}})
	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, body, rec.Body.Bytes())
}

func TestWriteEncodedFallsBackToIdentity(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/favicon", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	failing := func(string, []byte) ([]byte, error) { return nil, errors.New("encoder broke") }

	require.NoError(t, writeEncodedWith(rec, req, []byte("icon"), failing))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, "4", rec.Header().Get("Content-Length"))
	require.Equal(t, "icon", rec.Body.String())
}

func TestNegotiateEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"identity", ""},
		{"gzip", "gzip"},
		{"GZIP", "gzip"},
		{"deflate", "deflate"},
		{"deflate, gzip", "gzip"},
		{"gzip;q=0", ""},
		{"gzip; q=0.0, deflate;q=0.5", "deflate"},
		{"*", "gzip"},
		{"*, gzip;q=0", "deflate"},
		{"br, zstd", ""},
		{"gzip;q=bogus", ""},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, negotiateEncoding(tc.header), tc.header)
	}
}

func TestEtagMatches(t *testing.T) {
	t.Parallel()

	require.False(t, etagMatches("", `"a"`))
	require.True(t, etagMatches(`"a"`, `"a"`))
	require.True(t, etagMatches(`W/"a"`, `"a"`))
	require.True(t, etagMatches(`"b", "a"`, `"a"`))
	require.True(t, etagMatches("*", `"a"`))
	require.False(t, etagMatches(`"b"`, `"a"`))
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{}, &panicService{}, nil)
	rec := do(srv, http.MethodGet, "/api/favicon?url=https://member.example", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicService struct{ fakeService }

func (*panicService) Serve(context.Context, artifact.Request) (artifact.Result, error) {
	panic(errors.New("boom"))
}
