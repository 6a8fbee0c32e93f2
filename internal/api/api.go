// Package api is the HTTP surface of RochaTurbo: the WhatsApp webhook endpoints, the internal
// jobs endpoint, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rochaturbo/RochaTurbo/internal/jobs"
	"github.com/rochaturbo/RochaTurbo/internal/queue"
	"github.com/rochaturbo/RochaTurbo/internal/webhook"
)

const (
	// DefaultAddr is used when no listen address is configured.
	DefaultAddr = ":8080"
	// MaxBodyBytes bounds webhook and job request bodies.
	MaxBodyBytes = 1 << 20

	shutdownTimeout = 15 * time.Second
	// jobRunTimeout bounds an internal job executed inline by the endpoint.
	jobRunTimeout = 5 * time.Minute
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server routes to.
type Deps struct {
	Intake            *webhook.Intake
	Dispatcher        *queue.Dispatcher
	Jobs              *jobs.Runner
	Store             Pinger
	VerifyToken       string
	InternalJobSecret string
}

// Server owns the HTTP routes.
type Server struct {
	deps Deps
}

// NewServer creates a server on deps.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks/whatsapp", func(r chi.Router) {
		r.Get("/inbound", s.verifyHandler)
		r.Post("/inbound", s.webhookHandler(webhook.InboundSource))
		r.Post("/status", s.webhookHandler(webhook.StatusSource))
	})
	r.Post("/internal/jobs/{job}", s.internalJobHandler)
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("Server shutting down", "addr", addr)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
		return err
	}
	return nil
}
