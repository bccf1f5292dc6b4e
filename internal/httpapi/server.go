// Package httpapi is the indexer's operational HTTP surface: liveness and
// Prometheus metrics only. The invoice/loan admin API is a separate external
// collaborator and has no presence here.
package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes /healthz and /metrics over chi.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	ready      atomic.Bool
}

// NewServer constructs the router and HTTP server bound to addr.
func NewServer(addr string) *Server {
	s := &Server{router: chi.NewRouter()}
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.routes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// MarkReady flips the server into the ready state reported by /healthz.
func (s *Server) MarkReady() { s.ready.Store(true) }

// Start begins serving and blocks until the server stops or errors.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logrus.Warnf("httpapi: shutdown error: %v", err)
		return err
	}
	return nil
}
