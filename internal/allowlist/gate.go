// Package allowlist restricts artifact production to URLs published by the crawl collaborator.
package allowlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
	"github.com/JakeFAU/webchain-artifacts/internal/inflight"
)

const (
	refreshKey   = "crawl"
	maxCrawlBody = 32 << 20
)

// Refresh outcomes reported to the observer.
const (
	ResultUpdated     = "updated"
	ResultNotModified = "not_modified"
	ResultFailed      = "failed"
)

// Config captures the parameters for the allow-list gate.
type Config struct {
	// CrawlURL is where the crawl JSON document is published.
	CrawlURL string
	// RefreshInterval bounds how often the document is re-fetched.
	RefreshInterval time.Duration
	// RequestTimeout bounds a single fetch of the document.
	RequestTimeout time.Duration
	// UserAgent is sent with crawl and robots.txt requests.
	UserAgent string
}

// RobotsPolicy answers robots questions for nodes whose crawl record carries no flag.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithHTTPClient overrides the client used to fetch crawl data.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gate) {
		g.client = client
	}
}

// WithRobotsPolicy sets the fallback robots check.
func WithRobotsPolicy(p RobotsPolicy) Option {
	return func(g *Gate) {
		g.robots = p
	}
}

// WithRefreshObserver registers a callback receiving each refresh outcome.
func WithRefreshObserver(fn func(result string)) Option {
	return func(g *Gate) {
		g.observe = fn
	}
}

type crawlDocument struct {
	Nodes []crawlNode `json:"nodes"`
}

type crawlNode struct {
	At       string `json:"at"`
	RobotsOK *bool  `json:"robots_ok,omitempty"`
	Indexed  bool   `json:"indexed"`
}

type snapshot struct {
	nodes map[string]*bool
	etag  string
}

// Gate is the Allow-List Gate. It is safe for concurrent use.
type Gate struct {
	cfg     Config
	client  *http.Client
	clock   artifact.Clock
	logger  *zap.Logger
	robots  RobotsPolicy
	observe func(string)
	flights *inflight.Group[*snapshot]

	mu        sync.RWMutex
	current   *snapshot
	checkedAt time.Time
}

var _ artifact.Gate = (*Gate)(nil)

// New creates a Gate. base bounds the lifetime of background refreshes.
func New(base context.Context, cfg Config, clock artifact.Clock, logger *zap.Logger, opts ...Option) (*Gate, error) {
	if strings.TrimSpace(cfg.CrawlURL) == "" {
		return nil, fmt.Errorf("crawl url is required")
	}
	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("refresh interval must be > 0")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		flights: inflight.New[*snapshot](base),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return g, nil
}

// IsAllowed reports whether rawURL is a crawled node.
func (g *Gate) IsAllowed(ctx context.Context, rawURL string) (bool, error) {
	_, ok, err := g.lookup(ctx, rawURL)
	return ok, err
}

// RobotsPermits reports whether rawURL may be fetched. URLs outside the
// allow-list are never permitted.
func (g *Gate) RobotsPermits(ctx context.Context, rawURL string) (bool, error) {
	flag, ok, err := g.lookup(ctx, rawURL)
	if err != nil || !ok {
		return false, err
	}
	if flag != nil {
		return *flag, nil
	}
	if g.robots != nil {
		return g.robots.Allowed(ctx, rawURL), nil
	}
	return true, nil
}

// Prime loads the first snapshot, returning the fetch error if none exists yet.
func (g *Gate) Prime(ctx context.Context) error {
	_, err := g.snapshot(ctx)
	return err
}

// Ready reports whether a snapshot has ever been loaded.
func (g *Gate) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current != nil
}

// Len returns the number of nodes in the current snapshot.
func (g *Gate) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return 0
	}
	return len(g.current.nodes)
}

func (g *Gate) lookup(ctx context.Context, rawURL string) (*bool, bool, error) {
	key, err := artifact.NormalizeURL(rawURL)
	if err != nil {
		return nil, false, nil
	}
	snap, err := g.snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	flag, ok := snap.nodes[key]
	return flag, ok, nil
}

func (g *Gate) snapshot(ctx context.Context) (*snapshot, error) {
	g.mu.RLock()
	cur, checkedAt := g.current, g.checkedAt
	g.mu.RUnlock()
	if cur != nil && g.clock.Now().Sub(checkedAt) < g.cfg.RefreshInterval {
		return cur, nil
	}

	snap, _, err := g.flights.Do(ctx, refreshKey, g.refresh)
	if err == nil {
		return snap, nil
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %v", artifact.ErrAllowListUnavailable, err)
	}
	if ctx.Err() == nil {
		g.logger.Warn("allow-list refresh failed; keeping previous snapshot",
			zap.Int("nodes", len(cur.nodes)),
			zap.Error(err),
		)
	}
	return cur, nil
}

func (g *Gate) refresh(ctx context.Context) (*snapshot, error) {
	g.mu.RLock()
	prev := g.current
	g.mu.RUnlock()

	snap, err := g.fetch(ctx, prev)
	now := g.clock.Now()
	switch {
	case err != nil:
		g.report(ResultFailed)
		if prev != nil {
			// Back off until the next interval instead of retrying on every request.
			g.mu.Lock()
			g.checkedAt = now
			g.mu.Unlock()
		}
		return nil, err
	case snap == prev:
		g.report(ResultNotModified)
	default:
		g.report(ResultUpdated)
		g.logger.Info("allow-list refreshed", zap.Int("nodes", len(snap.nodes)))
	}

	g.mu.Lock()
	g.current = snap
	g.checkedAt = now
	g.mu.Unlock()
	return snap, nil
}

func (g *Gate) fetch(ctx context.Context, prev *snapshot) (*snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.CrawlURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new crawl request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if g.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", g.cfg.UserAgent)
	}
	if prev != nil && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch crawl data: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close crawl response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusNotModified && prev != nil {
		return prev, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch crawl data: unexpected status %d", resp.StatusCode)
	}

	var doc crawlDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCrawlBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode crawl data: %w", err)
	}
	if doc.Nodes == nil {
		return nil, errors.New("decode crawl data: no nodes")
	}

	snap := &snapshot{
		nodes: make(map[string]*bool, len(doc.Nodes)),
		etag:  resp.Header.Get("ETag"),
	}
	for _, node := range doc.Nodes {
		key, err := artifact.NormalizeURL(node.At)
		if err != nil || key == "" {
			continue
		}
		snap.nodes[key] = node.RobotsOK
	}
	return snap, nil
}

func (g *Gate) report(result string) {
	if g.observe != nil {
		g.observe(result)
	}
}
