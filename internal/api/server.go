// Package api exposes the HTTP interface for the artifact service. Routes:
//   - GET /api/favicon?url= and GET /api/snap?url=|path=[&refresh] serve artifacts.
//   - OPTIONS on both artifact routes answers CORS preflight.
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
	"github.com/JakeFAU/webchain-artifacts/internal/metrics"
)

// ArtifactService resolves artifact requests; *artifact.Service implements it.
type ArtifactService interface {
	Serve(ctx context.Context, req artifact.Request) (artifact.Result, error)
	Kind() artifact.Kind
}

// ReadinessProbe reports whether the process can serve traffic.
type ReadinessProbe interface {
	Ready() bool
}

// Config controls HTTP-facing behavior.
type Config struct {
	// AllowOrigin is sent as Access-Control-Allow-Origin. Empty means "*".
	AllowOrigin string
	// SelfBaseURL enables ?path= screenshot targets relative to this origin.
	SelfBaseURL string
	// RequestTimeout bounds each artifact request. Zero disables the bound.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the artifact services.
type Server struct {
	router      chi.Router
	favicons    ArtifactService
	screenshots ArtifactService
	ready       ReadinessProbe
	clock       artifact.Clock
	cfg         Config
	selfBase    *url.URL
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	cfg Config,
	favicons ArtifactService,
	screenshots ArtifactService,
	ready ReadinessProbe,
	clock artifact.Clock,
	logger *zap.Logger,
) (*Server, error) {
	if favicons == nil || screenshots == nil {
		return nil, fmt.Errorf("favicon and screenshot services are required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AllowOrigin == "" {
		cfg.AllowOrigin = "*"
	}
	s := &Server{
		favicons:    favicons,
		screenshots: screenshots,
		ready:       ready,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
	if cfg.SelfBaseURL != "" {
		base, err := artifact.ParseTargetURL(cfg.SelfBaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse self base url: %w", err)
		}
		s.selfBase = base
	}

	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
		}
		r.Get("/favicon", s.favicon)
		r.Options("/favicon", s.preflight)
		r.Get("/snap", s.screenshot)
		r.Options("/snap", s.preflight)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "allow-list not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) preflight(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "If-None-Match, Content-Type")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) favicon(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, s.favicons, artifact.Request{URL: r.URL.Query().Get("url")})
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := artifact.Request{URL: q.Get("url"), Refresh: q.Has("refresh")}
	if req.URL == "" && q.Has("path") {
		target, err := s.selfTarget(q.Get("path"))
		if err != nil {
			s.fail(w, r, s.screenshots.Kind(), err)
			return
		}
		req.URL = target
		req.Trusted = true
	}
	s.serve(w, r, s.screenshots, req)
}

// selfTarget builds an absolute URL on this service's own origin.
func (s *Server) selfTarget(path string) (string, error) {
	if s.selfBase == nil {
		return "", fmt.Errorf("path targets are disabled: %w", artifact.ErrInvalidURL)
	}
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.Contains(path, `\`) {
		return "", fmt.Errorf("path must start with a single slash: %w", artifact.ErrInvalidURL)
	}
	ref, err := url.Parse(path)
	if err != nil || ref.Scheme != "" || ref.Host != "" {
		return "", fmt.Errorf("invalid path: %w", artifact.ErrInvalidURL)
	}
	return s.selfBase.ResolveReference(ref).String(), nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, svc ArtifactService, req artifact.Request) {
	res, err := svc.Serve(r.Context(), req)
	if err != nil {
		s.fail(w, r, svc.Kind(), err)
		return
	}
	s.writeArtifact(w, r, res)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, kind artifact.Kind, err error) {
	status, msg := statusFor(err)
	w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}
	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("artifact request failed", fields...)
	} else {
		s.logger.Debug("artifact request rejected", fields...)
	}
	writeError(w, status, msg)
}

// statusFor maps the service error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, artifact.ErrInvalidURL):
		return http.StatusBadRequest, err.Error()
	case artifact.IsPolicyError(err):
		return http.StatusBadRequest, "url not permitted"
	case errors.Is(err, artifact.ErrTooManyRequests):
		return http.StatusTooManyRequests, "too many concurrent requests"
	case errors.Is(err, artifact.ErrAllowListUnavailable):
		return http.StatusServiceUnavailable, "allow-list unavailable"
	default:
		return http.StatusServiceUnavailable, "artifact unavailable"
	}
}
