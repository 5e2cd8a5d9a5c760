package screenshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
	"github.com/JakeFAU/webchain-artifacts/internal/limiter"
)

type fakeBrowser struct {
	done     chan struct{}
	closed   atomic.Bool
	captures atomic.Int32
	capture  func(ctx context.Context, req CaptureRequest) ([]byte, error)
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{done: make(chan struct{})}
}

func (b *fakeBrowser) Capture(ctx context.Context, req CaptureRequest) ([]byte, error) {
	b.captures.Add(1)
	if b.capture != nil {
		return b.capture(ctx, req)
	}
	return []byte("webp:" + req.URL), nil
}

func (b *fakeBrowser) Done() <-chan struct{} { return b.done }

func (b *fakeBrowser) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
	return nil
}

func (b *fakeBrowser) crash() { _ = b.Close() }

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	delay    time.Duration
	err      error
	browsers []*fakeBrowser
	next     func() *fakeBrowser
}

func (l *fakeLauncher) Launch(context.Context) (Browser, error) {
	time.Sleep(l.delay)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	b := newFakeBrowser()
	if l.next != nil {
		b = l.next()
	}
	l.browsers = append(l.browsers, b)
	return b, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) last() *fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.browsers[len(l.browsers)-1]
}

func TestManagerCollapsesConcurrentLaunches(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{delay: 30 * time.Millisecond}
	var observed atomic.Int32
	m := NewManager(context.Background(), launcher, nil, func(error) { observed.Add(1) })
	require.Equal(t, StateStopped, m.State())

	const callers = 10
	got := make([]Browser, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			b, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			got[idx] = b
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, launcher.count())
	require.Equal(t, int32(1), observed.Load())
	require.Equal(t, StateRunning, m.State())
	for _, b := range got {
		require.Same(t, got[0], b)
	}
}

func TestManagerRelaunchesAfterDisconnect(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	m := NewManager(context.Background(), launcher, nil, nil)

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	launcher.last().crash()
	require.Eventually(t, func() bool { return m.State() == StateStopped }, time.Second, 5*time.Millisecond)

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 2, launcher.count())
}

func TestManagerLaunchFailureIsBrowserError(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{err: errors.New("no chrome")}
	m := NewManager(context.Background(), launcher, nil, nil)

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, artifact.ErrBrowser)
	require.Equal(t, StateStopped, m.State())

	// The next call retries.
	_, err = m.Acquire(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, launcher.count())
}

func TestManagerClosesBrowserOnShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	launcher := &fakeLauncher{}
	m := NewManager(ctx, launcher, nil, nil)
	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return launcher.last().closed.Load() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateStopped }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())
}

func newTestProducer(t *testing.T, launcher *fakeLauncher, capacity int, acquire time.Duration) *Producer {
	t.Helper()
	sem, err := limiter.New(capacity)
	require.NoError(t, err)
	m := NewManager(context.Background(), launcher, nil, nil)
	p, err := New(Config{
		NavigationTimeout: time.Second,
		CaptureTimeout:    500 * time.Millisecond,
		AcquireTimeout:    acquire,
	}, m, sem, nil)
	require.NoError(t, err)
	return p
}

func TestNewValidatesTimeouts(t *testing.T) {
	t.Parallel()

	sem, err := limiter.New(1)
	require.NoError(t, err)
	m := NewManager(context.Background(), &fakeLauncher{}, nil, nil)
	_, err = New(Config{NavigationTimeout: time.Second, CaptureTimeout: 2 * time.Second}, m, sem, nil)
	require.Error(t, err)
	_, err = New(Config{}, nil, sem, nil)
	require.Error(t, err)

	p, err := New(Config{}, m, sem, nil)
	require.NoError(t, err)
	require.Equal(t, 1024, p.cfg.Width)
	require.Equal(t, 768, p.cfg.Height)
	require.Equal(t, 30*time.Second, p.cfg.NavigationTimeout)
	require.Equal(t, 15*time.Second, p.cfg.CaptureTimeout)
}

func TestProduceCapturesWebp(t *testing.T) {
	t.Parallel()

	var seen CaptureRequest
	launcher := &fakeLauncher{next: func() *fakeBrowser {
		b := newFakeBrowser()
		b.capture = func(_ context.Context, req CaptureRequest) ([]byte, error) {
			seen = req
			return []byte("img"), nil
		}
		return b
	}}
	p := newTestProducer(t, launcher, 1, 0)

	art, err := p.Produce(context.Background(), "https://site.example/page")
	require.NoError(t, err)
	require.Equal(t, []byte("img"), art.Body)
	require.Equal(t, ContentType, art.ContentType)
	require.Equal(t, "https://site.example/page", art.OriginalURL)
	require.Equal(t, 1024, seen.Width)
	require.Equal(t, 500*time.Millisecond, seen.CaptureTimeout)

	_, err = p.Produce(context.Background(), "file:///etc/passwd")
	require.ErrorIs(t, err, artifact.ErrInvalidURL)
}

func TestProduceRejectsWhenSaturated(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	launcher := &fakeLauncher{next: func() *fakeBrowser {
		b := newFakeBrowser()
		b.capture = func(context.Context, CaptureRequest) ([]byte, error) {
			close(entered)
			<-unblock
			return []byte("img"), nil
		}
		return b
	}}
	p := newTestProducer(t, launcher, 1, 0)

	done := make(chan error, 1)
	go func() {
		_, err := p.Produce(context.Background(), "https://a.example/")
		done <- err
	}()
	<-entered

	_, err := p.Produce(context.Background(), "https://b.example/")
	require.ErrorIs(t, err, artifact.ErrTooManyRequests)

	close(unblock)
	require.NoError(t, <-done)
}

func TestProducePropagatesCaptureErrorsAndReleasesPermit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	launcher := &fakeLauncher{next: func() *fakeBrowser {
		b := newFakeBrowser()
		b.capture = func(context.Context, CaptureRequest) ([]byte, error) {
			if calls.Add(1) == 1 {
				return nil, artifact.ErrUpstream
			}
			return []byte("ok"), nil
		}
		return b
	}}
	p := newTestProducer(t, launcher, 1, 0)

	_, err := p.Produce(context.Background(), "https://a.example/")
	require.ErrorIs(t, err, artifact.ErrUpstream)
	_, err = p.Produce(context.Background(), "https://a.example/")
	require.NoError(t, err)
}

func TestProduceHonorsCancellation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	launcher := &fakeLauncher{next: func() *fakeBrowser {
		b := newFakeBrowser()
		b.capture = func(ctx context.Context, _ CaptureRequest) ([]byte, error) {
			if calls.Add(1) > 1 {
				return []byte("ok"), nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return b
	}}
	p := newTestProducer(t, launcher, 1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Produce(ctx, "https://a.example/")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The permit came back.
	_, err = p.Produce(context.Background(), "https://a.example/")
	require.NoError(t, err)
}

func lifecycleEvent(frame, loader, name string) *page.EventLifecycleEvent {
	return &page.EventLifecycleEvent{
		FrameID:  cdp.FrameID(frame),
		LoaderID: cdp.LoaderID(loader),
		Name:     name,
	}
}

func TestLifecycleWaitsForCurrentDocument(t *testing.T) {
	t.Parallel()

	l := newLifecycle("main")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.waitIdle(ctx) }()

	l.observe(lifecycleEvent("other", "x", "networkIdle"))
	l.observe(lifecycleEvent("main", "blank", "init"))
	l.observe(lifecycleEvent("main", "stale", "networkIdle"))
	select {
	case <-done:
		t.Fatal("waitIdle returned before the current document went idle")
	case <-time.After(20 * time.Millisecond):
	}
	l.observe(lifecycleEvent("main", "blank", "networkIdle"))
	require.NoError(t, <-done)

	l.observe(lifecycleEvent("main", "nav", "init"))
	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	require.ErrorIs(t, l.waitIdle(short), context.DeadlineExceeded)
}
