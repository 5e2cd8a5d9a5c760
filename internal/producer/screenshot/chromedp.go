package screenshot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

// ChromeConfig controls how Chrome is started.
type ChromeConfig struct {
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// NoSandbox disables the Chrome sandbox, needed inside most containers.
	NoSandbox bool
}

// ChromeLauncher launches headless Chrome through chromedp.
type ChromeLauncher struct {
	cfg ChromeConfig
}

// NewChromeLauncher returns a Launcher backed by chromedp.
func NewChromeLauncher(cfg ChromeConfig) *ChromeLauncher {
	return &ChromeLauncher{cfg: cfg}
}

func (l *ChromeLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-software-rasterizer", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-breakpad", true),
		chromedp.Flag("disable-features", "FedCm"),
	)
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox, chromedp.Flag("no-zygote", true))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch implements Launcher.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// The first Run starts the process; browserCtx then owns its lifetime.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	b := &chromeBrowser{
		ctx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		done: make(chan struct{}),
	}
	var lost <-chan struct{}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Browser != nil {
		lost = c.Browser.LostConnection
	}
	go func() {
		select {
		case <-browserCtx.Done():
		case <-lost:
		}
		close(b.done)
	}()
	return b, nil
}

type chromeBrowser struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (b *chromeBrowser) Done() <-chan struct{} {
	return b.done
}

func (b *chromeBrowser) Close() error {
	var err error
	b.once.Do(func() {
		err = chromedp.Cancel(b.ctx)
		b.cancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cancel chrome: %w", err)
	}
	return nil
}

// Capture opens a new browser context, so no cookies or storage leak between
// captures. The tab and its context are disposed on every return path.
func (b *chromeBrowser) Capture(ctx context.Context, req CaptureRequest) ([]byte, error) {
	tabCtx, closeTab := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	if err := chromedp.Run(tabCtx); err != nil {
		return nil, b.classify(ctx, "open tab", err, artifact.ErrBrowser)
	}
	mainFrame := cdp.FrameID(chromedp.FromContext(tabCtx).Target.TargetID)
	life := newLifecycle(mainFrame)
	chromedp.ListenTarget(tabCtx, life.observe)

	navCtx, cancelNav := context.WithTimeout(tabCtx, req.NavigationTimeout)
	defer cancelNav()

	setup := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if req.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(req.UserAgent).
				WithAcceptLanguage("en-US,en;q=0.9").Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
	if err := chromedp.Run(navCtx,
		network.Enable(),
		setup,
		chromedp.EmulateViewport(int64(req.Width), int64(req.Height)),
	); err != nil {
		return nil, b.classify(ctx, "prepare tab", err, artifact.ErrBrowser)
	}

	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(req.URL))
	if err != nil {
		return nil, b.classify(ctx, "navigate", err, artifact.ErrUpstream)
	}
	if resp != nil && (resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices) {
		return nil, fmt.Errorf("navigate %s: status %d: %w", req.URL, int(resp.Status), artifact.ErrUpstream)
	}
	if err := life.waitIdle(navCtx); err != nil {
		return nil, b.classify(ctx, "wait for network idle", err, artifact.ErrUpstream)
	}

	capCtx, cancelCap := context.WithTimeout(tabCtx, req.CaptureTimeout)
	defer cancelCap()
	var img []byte
	err = chromedp.Run(capCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		shot := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatWebp)
		if req.Quality > 0 {
			shot = shot.WithQuality(int64(req.Quality))
		}
		buf, err := shot.Do(ctx)
		if err != nil {
			return err
		}
		img = buf
		return nil
	}))
	if err != nil {
		return nil, b.classify(ctx, "capture", err, artifact.ErrUpstream)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("capture %s: empty image: %w", req.URL, artifact.ErrUpstream)
	}
	return img, nil
}

// classify maps a chromedp failure onto the error taxonomy. Caller
// cancellation wins, then a dead browser, then the phase default.
func (b *chromeBrowser) classify(ctx context.Context, phase string, err error, fallback error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", phase, ctxErr)
	}
	select {
	case <-b.done:
		return fmt.Errorf("%s: %v: %w", phase, err, artifact.ErrBrowser)
	default:
	}
	return fmt.Errorf("%s: %v: %w", phase, err, fallback)
}

// lifecycle tracks page lifecycle events for the main frame and reports when
// the current document reaches network idle.
type lifecycle struct {
	frame  cdp.FrameID
	notify chan struct{}

	mu     sync.Mutex
	loader cdp.LoaderID
	idle   bool
}

func newLifecycle(frame cdp.FrameID) *lifecycle {
	return &lifecycle{frame: frame, notify: make(chan struct{}, 1)}
}

func (l *lifecycle) observe(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok || e.FrameID != l.frame {
		return
	}
	l.mu.Lock()
	switch e.Name {
	case "init":
		l.loader = e.LoaderID
		l.idle = false
	case "networkIdle":
		if e.LoaderID == l.loader {
			l.idle = true
		}
	}
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *lifecycle) waitIdle(ctx context.Context) error {
	for {
		l.mu.Lock()
		idle := l.idle
		l.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-l.notify:
		case <-ctx.Done():
			return fmt.Errorf("network idle: %w", ctx.Err())
		}
	}
}
