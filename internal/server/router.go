// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes fleet state, validation reports and metrics over
// HTTP for serve mode.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgefleet/edgefleet/internal/metrics"
	"github.com/edgefleet/edgefleet/internal/validate"
)

// Server holds the HTTP handler and the most recent validation report.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	report *validate.Report
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	norm := cfg.normalize()
	if err := norm.check(); err != nil {
		return nil, err
	}
	return &Server{cfg: norm, logger: norm.Logger.With(slog.String("component", "server"))}, nil
}

// Run boots the HTTP server and the validation loop until the context is
// canceled or an unrecoverable error occurs.
func Run(ctx context.Context, cfg Config) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	var wg sync.WaitGroup
	if s.cfg.Validator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.validateLoop(loopCtx)
		}()
	}
	defer wg.Wait()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("serving", slog.String("bind", s.cfg.Bind), slog.Bool("auth", s.cfg.Token != ""))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		stopLoop()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(r chi.Router) {
		if !s.cfg.openMetrics() {
			r.Use(authMiddleware(s.cfg))
		}
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(s.cfg))
		r.Get("/nodes", s.handleNodes)
		r.Get("/nodes/{id}", s.handleNode)
		r.Get("/nodes/{id}/records", s.handleRecords)
		r.Get("/report", s.handleReport)
		r.Get("/health/storage", s.handleStorageHealth)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, newProblem(http.StatusNotFound, "not found", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, newProblem(http.StatusMethodNotAllowed, "method not allowed", r.Method))
	})
	return r
}

// Report returns the latest validation report.
func (s *Server) Report() (validate.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.report == nil {
		return validate.Report{}, false
	}
	return *s.report, true
}

// Refresh runs the validator once and stores the report.
func (s *Server) Refresh(ctx context.Context) (validate.Report, error) {
	if s.cfg.Validator == nil {
		return validate.Report{}, errors.New("server has no validator")
	}
	report := s.cfg.Validator.Run(ctx)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	s.mu.Lock()
	s.report = &report
	s.mu.Unlock()
	s.cfg.Inventory.PublishMetrics()
	s.logger.Info("validation complete",
		slog.String("verdict", string(report.Verdict)),
		slog.Int("pass", report.Pass),
		slog.Int("warn", report.Warn),
		slog.Int("fail", report.Fail),
	)
	return report, nil
}

func (s *Server) validateLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ValidateInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("validation run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
