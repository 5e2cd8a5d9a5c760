package screenshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
	"github.com/JakeFAU/webchain-artifacts/internal/inflight"
)

// State is the lifecycle state of the managed browser.
type State int

// Browser lifecycle states. A disconnect returns the manager to StateStopped.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CaptureRequest describes one screenshot.
type CaptureRequest struct {
	URL               string
	UserAgent         string
	Width             int
	Height            int
	Quality           int
	NavigationTimeout time.Duration
	CaptureTimeout    time.Duration
}

// Browser is a running headless browser process.
type Browser interface {
	// Capture renders req.URL in a fresh isolated context and returns the image.
	Capture(ctx context.Context, req CaptureRequest) ([]byte, error)
	// Done is closed when the browser exits or its connection drops.
	Done() <-chan struct{}
	Close() error
}

// Launcher starts browsers. ctx bounds the lifetime of the returned browser.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Manager owns the single shared browser and relaunches it after a disconnect.
type Manager struct {
	base     context.Context
	launcher Launcher
	logger   *zap.Logger
	onLaunch func(err error)
	launches *inflight.Group[Browser]

	mu      sync.Mutex
	state   State
	browser Browser
}

// NewManager creates a Manager. No browser starts until the first Acquire.
func NewManager(base context.Context, launcher Launcher, logger *zap.Logger, onLaunch func(err error)) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		base:     base,
		launcher: launcher,
		logger:   logger,
		onLaunch: onLaunch,
		launches: inflight.New[Browser](base),
	}
}

// Acquire returns the running browser, launching it if needed. Concurrent
// callers share one launch.
func (m *Manager) Acquire(ctx context.Context) (Browser, error) {
	m.mu.Lock()
	if m.state == StateRunning {
		b := m.browser
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	b, _, err := m.launches.Do(ctx, "browser", m.launch)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close shuts the browser down if it is running.
func (m *Manager) Close() error {
	m.mu.Lock()
	b := m.browser
	m.browser = nil
	m.state = StateStopped
	m.mu.Unlock()
	if b == nil {
		return nil
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (m *Manager) launch(context.Context) (Browser, error) {
	m.mu.Lock()
	if m.state == StateRunning {
		b := m.browser
		m.mu.Unlock()
		return b, nil
	}
	m.state = StateStarting
	m.mu.Unlock()

	m.logger.Info("launching browser")
	b, err := m.launcher.Launch(m.base)
	if m.onLaunch != nil {
		m.onLaunch(err)
	}
	if err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
		m.logger.Error("browser launch failed", zap.Error(err))
		return nil, fmt.Errorf("launch browser: %v: %w", err, artifact.ErrBrowser)
	}

	m.mu.Lock()
	m.state = StateRunning
	m.browser = b
	m.mu.Unlock()
	go m.watch(b)
	return b, nil
}

func (m *Manager) watch(b Browser) {
	select {
	case <-b.Done():
	case <-m.base.Done():
		_ = b.Close()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != b {
		return
	}
	m.browser = nil
	m.state = StateStopped
	if m.base.Err() == nil {
		m.logger.Warn("browser disconnected; will relaunch on next capture")
	}
}
