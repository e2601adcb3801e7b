// Package server wires the backend HTTP routes: the managed cluster proxy,
// the event stream, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/sttts/kcfleet/pkg/fleet"
)

const (
	// EventsPath serves the namespace-keyed event stream.
	EventsPath = "/events"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Options configure a Server. Nil handlers leave their route unregistered.
type Options struct {
	ListenAddress   string
	Proxy           http.Handler
	Events          http.Handler
	Gatherer        prometheus.Gatherer
	ShutdownTimeout time.Duration
	// OnShutdown runs when shutdown starts, before open connections are
	// waited for. Long-lived streams must be closed here.
	OnShutdown []func()
	Logger     *logr.Logger
}

// Server is the backend HTTP server.
type Server struct {
	server          *http.Server
	router          *mux.Router
	shutdownTimeout time.Duration
	logger          logr.Logger
}

// New creates a server and registers its routes.
func New(opts Options) *Server {
	router := mux.NewRouter()
	// proxied paths carry escaped segments that must reach the cluster as is
	router.SkipClean(true)
	router.UseEncodedPath()

	s := &Server{
		server:          &http.Server{Addr: opts.ListenAddress, Handler: router, ReadHeaderTimeout: 10 * time.Second},
		router:          router,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          klog.Background().WithName("server"),
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	}
	if s.shutdownTimeout == 0 {
		s.shutdownTimeout = DefaultShutdownTimeout
	}
	for _, fn := range opts.OnShutdown {
		s.server.RegisterOnShutdown(fn)
	}
	s.setupRoutes(opts)
	return s
}

func (s *Server) setupRoutes(opts Options) {
	if opts.Proxy != nil {
		s.router.PathPrefix(fleet.ProxyPrefix).Handler(opts.Proxy)
	}
	if opts.Events != nil {
		s.router.Handle(EventsPath, opts.Events)
	}
	if opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)

	s.router.Use(s.loggingMiddleware)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", s.server.Addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info("Starting server", "address", l.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return <-errCh
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.V(4).Info("HTTP request completed", "method", r.Method, "path", r.URL.EscapedPath(), "duration", time.Since(start))
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
