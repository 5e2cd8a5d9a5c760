// Package janitor runs the periodic cache sweep and warms stale screenshots.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
	"github.com/JakeFAU/webchain-artifacts/internal/cache/disk"
)

const defaultInterval = time.Hour

// Vacuumer is a store that can sweep expired entries and orphan files.
type Vacuumer interface {
	Vacuum(ctx context.Context) (disk.VacuumReport, error)
	Len() int
}

// Refresher re-produces stale entries; *artifact.Service implements it.
type Refresher interface {
	RefreshStale(ctx context.Context) (int, error)
	Kind() artifact.Kind
}

// Store pairs a Vacuumer with the artifact kind it holds.
type Store struct {
	Kind  artifact.Kind
	Cache Vacuumer
}

// Config controls the sweep.
//   - Interval: time between passes (default 1h). A pass also runs at start.
//   - BaseContext: parent of every pass; cancelling it stops the janitor.
//   - Logger: optional structured logger.
//   - OnVacuum: optional callback receiving each store's report.
type Config struct {
	Interval    time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
	OnVacuum    func(kind artifact.Kind, report disk.VacuumReport, remaining int)
}

// Janitor owns the sweep goroutine.
type Janitor struct {
	cfg        Config
	stores     []Store
	refreshers []Refresher
	logger     *zap.Logger

	startOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New builds a Janitor. Start launches the background loop.
func New(cfg Config, stores []Store, refreshers ...Refresher) (*Janitor, error) {
	if len(stores) == 0 && len(refreshers) == 0 {
		return nil, fmt.Errorf("janitor needs at least one store or refresher")
	}
	for _, s := range stores {
		if s.Cache == nil {
			return nil, fmt.Errorf("store %q has no cache", s.Kind)
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		cfg:        cfg,
		stores:     append([]Store(nil), stores...),
		refreshers: append([]Refresher(nil), refreshers...),
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start launches the loop. Calls after the first are ignored.
func (j *Janitor) Start() {
	j.startOnce.Do(func() {
		go j.run()
	})
}

// Close stops the loop and waits for the current pass to finish or ctx to end.
func (j *Janitor) Close(ctx context.Context) error {
	started := true
	j.startOnce.Do(func() {
		started = false
		close(j.doneCh)
	})
	j.closeOnce.Do(func() {
		close(j.stopCh)
	})
	if !started {
		return nil
	}
	select {
	case <-j.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("janitor close wait: %w", ctx.Err())
	}
}

func (j *Janitor) run() {
	defer close(j.doneCh)
	ctx, cancel := context.WithCancel(j.cfg.BaseContext)
	defer cancel()
	go func() {
		select {
		case <-j.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		j.RunOnce(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce vacuums every store, then refreshes stale entries.
func (j *Janitor) RunOnce(ctx context.Context) {
	for _, s := range j.stores {
		if ctx.Err() != nil {
			return
		}
		report, err := s.Cache.Vacuum(ctx)
		if err != nil {
			j.logger.Warn("vacuum failed", zap.String("kind", string(s.Kind)), zap.Error(err))
			continue
		}
		remaining := s.Cache.Len()
		if j.cfg.OnVacuum != nil {
			j.cfg.OnVacuum(s.Kind, report, remaining)
		}
		j.logger.Info("vacuum finished",
			zap.String("kind", string(s.Kind)),
			zap.Int("expired", report.Expired),
			zap.Int("orphans", report.Orphans),
			zap.Int("remaining", remaining),
		)
	}
	for _, r := range j.refreshers {
		if ctx.Err() != nil {
			return
		}
		n, err := r.RefreshStale(ctx)
		if err != nil {
			j.logger.Warn("stale refresh interrupted", zap.String("kind", string(r.Kind())), zap.Int("refreshed", n), zap.Error(err))
			continue
		}
		if n > 0 {
			j.logger.Info("stale entries refreshed", zap.String("kind", string(r.Kind())), zap.Int("refreshed", n))
		}
	}
}
