// Package screenshot captures page screenshots with a managed headless browser.
package screenshot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

// ContentType is the media type of every capture.
const ContentType = "image/webp"

// Config controls capture behavior.
type Config struct {
	UserAgent         string
	Width             int
	Height            int
	Quality           int
	NavigationTimeout time.Duration
	CaptureTimeout    time.Duration
	// AcquireTimeout is how long a capture waits for a limiter permit; 0 fails fast.
	AcquireTimeout time.Duration
}

// BrowserSource hands out the shared browser.
type BrowserSource interface {
	Acquire(ctx context.Context) (Browser, error)
}

// Producer implements artifact.Producer for screenshots.
type Producer struct {
	cfg      Config
	browsers BrowserSource
	limiter  artifact.Limiter
	logger   *zap.Logger
}

var _ artifact.Producer = (*Producer)(nil)

// New builds a Producer.
func New(cfg Config, browsers BrowserSource, limiter artifact.Limiter, logger *zap.Logger) (*Producer, error) {
	if browsers == nil || limiter == nil {
		return nil, fmt.Errorf("browser source and limiter are required")
	}
	if cfg.Width <= 0 {
		cfg.Width = 1024
	}
	if cfg.Height <= 0 {
		cfg.Height = 768
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 15 * time.Second
	}
	if cfg.CaptureTimeout > cfg.NavigationTimeout {
		return nil, fmt.Errorf("capture timeout %s exceeds navigation timeout %s", cfg.CaptureTimeout, cfg.NavigationTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{cfg: cfg, browsers: browsers, limiter: limiter, logger: logger}, nil
}

// Produce captures rawURL. It holds a limiter permit for the whole capture.
func (p *Producer) Produce(ctx context.Context, rawURL string) (artifact.Artifact, error) {
	target, err := artifact.ParseTargetURL(rawURL)
	if err != nil {
		return artifact.Artifact{}, err
	}

	release, err := p.limiter.AcquireWithin(ctx, p.cfg.AcquireTimeout)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("acquire capture slot: %w", err)
	}
	defer release()

	browser, err := p.browsers.Acquire(ctx)
	if err != nil {
		return artifact.Artifact{}, err
	}

	start := time.Now()
	img, err := browser.Capture(ctx, CaptureRequest{
		URL:               target.String(),
		UserAgent:         p.cfg.UserAgent,
		Width:             p.cfg.Width,
		Height:            p.cfg.Height,
		Quality:           p.cfg.Quality,
		NavigationTimeout: p.cfg.NavigationTimeout,
		CaptureTimeout:    p.cfg.CaptureTimeout,
	})
	if err != nil {
		p.logger.Info("screenshot failed", zap.String("url", rawURL), zap.Error(err))
		return artifact.Artifact{}, err
	}
	p.logger.Debug("screenshot captured",
		zap.String("url", rawURL),
		zap.Int("bytes", len(img)),
		zap.Duration("duration", time.Since(start)),
	)
	return artifact.Artifact{Body: img, ContentType: ContentType, OriginalURL: target.String()}, nil
}
