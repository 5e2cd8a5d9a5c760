// Package favicon discovers and downloads site icons.
package favicon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

// DefaultContentType is used when an icon response carries no Content-Type.
const DefaultContentType = "image/x-icon"

// Config controls page and icon fetching.
type Config struct {
	UserAgent     string
	PageTimeout   time.Duration
	IconTimeout   time.Duration
	MaxPageBytes  int
	MaxIconBytes  int64
	MaxCandidates int
	// HourlyLimit caps produce attempts per source URL; 0 disables the cap.
	HourlyLimit int
}

// Producer implements artifact.Producer for favicons.
type Producer struct {
	cfg       Config
	collector *colly.Collector
	client    *http.Client
	limits    *RateCap
	logger    *zap.Logger
}

var _ artifact.Producer = (*Producer)(nil)

// Option configures a Producer.
type Option func(*producerOptions)

type producerOptions struct {
	transport http.RoundTripper
}

// WithTransport overrides the HTTP transport shared by page and icon fetches.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *producerOptions) {
		o.transport = rt
	}
}

type page struct {
	url  *url.URL
	body []byte
}

type iconResult struct {
	art artifact.Artifact
	err error
}

// New builds a Producer.
func New(cfg Config, clock artifact.Clock, logger *zap.Logger, opts ...Option) *Producer {
	var o producerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = newHTTPTransport()
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 10 * time.Second
	}
	if cfg.IconTimeout <= 0 {
		cfg.IconTimeout = 10 * time.Second
	}
	if cfg.MaxPageBytes <= 0 {
		cfg.MaxPageBytes = 2 << 20
	}
	if cfg.MaxIconBytes <= 0 {
		cfg.MaxIconBytes = 1 << 20
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxPageBytes),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(o.transport)
	c.SetRequestTimeout(cfg.PageTimeout)

	return &Producer{
		cfg:       cfg,
		collector: c,
		client:    &http.Client{Transport: o.transport, Timeout: cfg.IconTimeout},
		limits:    NewRateCap(cfg.HourlyLimit, clock),
		logger:    logger,
	}
}

// Produce fetches rawURL, discovers its icons and returns the first one that
// downloads successfully, preferring document order.
func (p *Producer) Produce(ctx context.Context, rawURL string) (artifact.Artifact, error) {
	target, err := artifact.ParseTargetURL(rawURL)
	if err != nil {
		return artifact.Artifact{}, err
	}
	if !p.limits.Allow(target.String()) {
		p.logger.Info("favicon fetch rate capped", zap.String("url", rawURL))
		return artifact.Artifact{}, fmt.Errorf("hourly fetch cap reached for %s: %w", rawURL, artifact.ErrNotFound)
	}

	pg, err := p.fetchPage(ctx, target.String())
	if err != nil {
		return artifact.Artifact{}, err
	}

	candidates := Candidates(pg.url, pg.body)
	if len(candidates) > p.cfg.MaxCandidates {
		// Keep the trailing /favicon.ico fallback.
		candidates = append(candidates[:p.cfg.MaxCandidates-1], candidates[len(candidates)-1])
	}

	results := make([]iconResult, len(candidates))
	var g errgroup.Group
	for i, candidate := range candidates {
		g.Go(func() error {
			art, err := p.fetchIcon(ctx, candidate.String())
			results[i] = iconResult{art: art, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return artifact.Artifact{}, fmt.Errorf("fetch icons: %w", err)
	}

	for i, res := range results {
		if res.err == nil {
			return res.art, nil
		}
		p.logger.Debug("icon candidate rejected",
			zap.String("url", rawURL),
			zap.String("candidate", candidates[i].String()),
			zap.Error(res.err),
		)
	}
	return artifact.Artifact{}, fmt.Errorf("no usable icon among %d candidates: %w", len(candidates), artifact.ErrNotFound)
}

func (p *Producer) fetchPage(ctx context.Context, target string) (page, error) {
	var (
		result   page
		fetchErr error
		status   int
	)
	collector := p.collector.Clone()
	collector.Context = ctx
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9,*;q=0.5")
	})
	collector.OnResponse(func(r *colly.Response) {
		result = page{url: r.Request.URL, body: append([]byte(nil), r.Body...)}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			status = r.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("fetch page canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		switch {
		case status != 0 && (status < 200 || status > 299):
			return page{}, fmt.Errorf("fetch page %s: status %d: %w", target, status, artifact.ErrNotFound)
		case err != nil:
			return page{}, fmt.Errorf("fetch page %s: %v: %w", target, err, artifact.ErrUpstream)
		case result.url == nil:
			return page{}, fmt.Errorf("fetch page %s: no response: %w", target, artifact.ErrUpstream)
		}
		return result, nil
	}
}

func (p *Producer) fetchIcon(ctx context.Context, iconURL string) (artifact.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iconURL, nil)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("new icon request: %w", err)
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("fetch icon: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("close icon response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return artifact.Artifact{}, fmt.Errorf("fetch icon: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxIconBytes+1))
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("read icon body: %w", err)
	}
	if int64(len(body)) > p.cfg.MaxIconBytes {
		return artifact.Artifact{}, errors.New("icon exceeds size limit")
	}
	if len(body) == 0 {
		return artifact.Artifact{}, errors.New("icon body empty")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	return artifact.Artifact{
		Body:        body,
		ContentType: contentType,
		OriginalURL: resp.Request.URL.String(),
	}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
