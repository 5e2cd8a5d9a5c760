package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/inflight"
)

// Produce outcomes reported to the Recorder.
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeKept     = "kept_stale"
	OutcomeRejected = "too_many_requests"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// Recorder receives service observations, typically for metrics.
type Recorder interface {
	CacheLookup(kind Kind, status CacheStatus)
	ProduceOutcome(kind Kind, outcome string, elapsed time.Duration)
	PolicyRejection(kind Kind, reason string)
}

type nopRecorder struct{}

func (nopRecorder) CacheLookup(Kind, CacheStatus) {}

func (nopRecorder) ProduceOutcome(Kind, string, time.Duration) {}

func (nopRecorder) PolicyRejection(Kind, string) {}

// ServiceConfig controls one artifact kind.
type ServiceConfig struct {
	Kind Kind
	// ExpiresIn is the lifetime of a produced artifact.
	ExpiresIn time.Duration
	// EmptyTTL is the lifetime of a confirmed-absent placeholder.
	EmptyTTL time.Duration
	// CheckRobots additionally requires the robots policy to permit the URL.
	CheckRobots bool
}

// Service runs the lookup flow for one artifact kind: gate, cache, deduplicated produce.
type Service struct {
	cfg      ServiceConfig
	store    Store
	producer Producer
	gate     Gate
	clock    Clock
	logger   *zap.Logger
	recorder Recorder
	flights  *inflight.Group[Cached]
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRecorder sets the observation sink.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewService wires a Service. base bounds the lifetime of every produce flight,
// including background refreshes.
func NewService(
	base context.Context,
	cfg ServiceConfig,
	store Store,
	producer Producer,
	gate Gate,
	clock Clock,
	logger *zap.Logger,
	opts ...ServiceOption,
) (*Service, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("store is required")
	case producer == nil:
		return nil, fmt.Errorf("producer is required")
	case gate == nil:
		return nil, fmt.Errorf("gate is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	case cfg.ExpiresIn <= 0 || cfg.EmptyTTL <= 0:
		return nil, fmt.Errorf("artifact and empty lifetimes must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		producer: producer,
		gate:     gate,
		clock:    clock,
		logger:   logger,
		recorder: nopRecorder{},
		flights:  inflight.New[Cached](base),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Kind returns the artifact kind served.
func (s *Service) Kind() Kind {
	return s.cfg.Kind
}

// Serve resolves req to a cached or freshly produced artifact.
func (s *Service) Serve(ctx context.Context, req Request) (Result, error) {
	target, err := ParseTargetURL(req.URL)
	if err != nil {
		return Result{}, err
	}
	key := target.String()

	if !req.Trusted {
		if err := s.authorize(ctx, key); err != nil {
			return Result{}, err
		}
	}

	if !req.Refresh {
		if cached, ok := s.store.Get(ctx, key); ok {
			if cached.Entry.IsFresh(s.clock.Now()) {
				s.recorder.CacheLookup(s.cfg.Kind, CacheHit)
				return Result{Cached: cached, Status: CacheHit}, nil
			}
			if s.flights.Start(key, s.produceFunc(key, true)) {
				s.logger.Debug("background refresh started", zap.String("key", key))
			}
			s.recorder.CacheLookup(s.cfg.Kind, CacheStale)
			return Result{Cached: cached, Status: CacheStale}, nil
		}
	}

	s.recorder.CacheLookup(s.cfg.Kind, CacheMiss)
	cached, _, err := s.flights.Do(ctx, key, s.produceFunc(key, false))
	if err != nil {
		return Result{}, err
	}
	return Result{Cached: cached, Status: CacheMiss, NoStore: req.Refresh}, nil
}

// RefreshStale re-produces every stale artifact entry one at a time. Entries
// whose refresh fails are left as they are. It returns how many were refreshed.
func (s *Service) RefreshStale(ctx context.Context) (int, error) {
	refreshed := 0
	for _, entry := range s.store.Entries(ctx) {
		if err := ctx.Err(); err != nil {
			return refreshed, fmt.Errorf("refresh stale: %w", err)
		}
		if entry.IsEmpty() || !entry.IsStaleButValid(s.clock.Now()) {
			continue
		}
		if _, _, err := s.flights.Do(ctx, entry.Key, s.produceFunc(entry.Key, true)); err != nil {
			s.logger.Info("stale refresh skipped", zap.String("key", entry.Key), zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// InFlight reports whether a produce for key is running.
func (s *Service) InFlight(key string) bool {
	return s.flights.InFlight(key)
}

func (s *Service) authorize(ctx context.Context, key string) error {
	allowed, err := s.gate.IsAllowed(ctx, key)
	if err != nil {
		return fmt.Errorf("check allow-list: %w", err)
	}
	if !allowed {
		s.reject(key, "not_allowed")
		return fmt.Errorf("%s: %w", key, ErrNotAllowed)
	}
	if !s.cfg.CheckRobots {
		return nil
	}
	permitted, err := s.gate.RobotsPermits(ctx, key)
	if err != nil {
		return fmt.Errorf("check robots: %w", err)
	}
	if !permitted {
		s.reject(key, "robots")
		return fmt.Errorf("%s: %w", key, ErrRobotsDisallowed)
	}
	return nil
}

func (s *Service) reject(key, reason string) {
	s.recorder.PolicyRejection(s.cfg.Kind, reason)
	s.logger.Warn("artifact request rejected",
		zap.Bool("security", true),
		zap.String("kind", string(s.cfg.Kind)),
		zap.String("url", key),
		zap.String("reason", reason),
	)
}

// produceFunc builds the flight for key. A refresh flight never replaces a
// servable artifact with an empty placeholder.
func (s *Service) produceFunc(key string, refresh bool) inflight.Func[Cached] {
	return func(ctx context.Context) (Cached, error) {
		start := time.Now()
		cached, outcome, err := s.produce(ctx, key, refresh)
		elapsed := time.Since(start)
		s.recorder.ProduceOutcome(s.cfg.Kind, outcome, elapsed)

		fields := []zap.Field{
			zap.String("kind", string(s.cfg.Kind)),
			zap.String("url", key),
			zap.String("outcome", outcome),
			zap.Duration("duration", elapsed),
		}
		switch outcome {
		case OutcomeError:
			s.logger.Error("produce failed", append(fields, zap.Error(err))...)
		case OutcomeKept:
			s.logger.Info("refresh failed, keeping stale artifact", append(fields, zap.Error(err))...)
		case OutcomeEmpty:
			s.logger.Info("produced empty placeholder", append(fields, zap.Error(err))...)
		default:
			s.logger.Debug("produce finished", append(fields, zap.Error(err))...)
		}
		if outcome == OutcomeEmpty {
			return cached, nil
		}
		return cached, err
	}
}

func (s *Service) produce(ctx context.Context, key string, refresh bool) (Cached, string, error) {
	art, err := s.producer.Produce(ctx, key)
	switch {
	case err == nil:
		entry, perr := s.store.Put(ctx, key, art, s.cfg.ExpiresIn)
		if perr != nil {
			return Cached{}, OutcomeError, fmt.Errorf("store artifact: %w", perr)
		}
		return Cached{Entry: entry, Body: art.Body}, OutcomeOK, nil
	case ctx.Err() != nil:
		return Cached{}, OutcomeCanceled, fmt.Errorf("produce %s: %w", key, ctx.Err())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUpstream):
		if refresh {
			if prev, ok := s.store.Get(ctx, key); ok && !prev.Entry.IsEmpty() {
				return Cached{}, OutcomeKept, fmt.Errorf("refresh %s: %w", key, err)
			}
		}
		entry, perr := s.store.PutEmpty(ctx, key, s.cfg.EmptyTTL)
		if perr != nil {
			return Cached{}, OutcomeError, fmt.Errorf("store empty placeholder: %w", perr)
		}
		return Cached{Entry: entry}, OutcomeEmpty, err
	case errors.Is(err, ErrTooManyRequests):
		return Cached{}, OutcomeRejected, err
	default:
		return Cached{}, OutcomeError, fmt.Errorf("produce %s: %w", key, err)
	}
}
