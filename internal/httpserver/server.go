// Package httpserver serves the daemon's probe, status and metrics endpoints.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/picklr-io/inferstack/internal/ir"
)

const (
	readTimeout       = 3 * time.Second
	readHeaderTimeout = 3 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	maxHeaderBytes    = 1 << 12 // 4kb
	pingTimeout       = 2 * time.Second
)

// Checker is a component that can report its liveness, e.g. a scaling controller.
type Checker interface {
	Name() string
	Ping(ctx context.Context) error
}

// EndpointSource reports the currently published service endpoint.
type EndpointSource interface {
	Endpoint() ir.Endpoint
}

type Server struct {
	logger   *slog.Logger
	port     int
	unit     string
	endpoint EndpointSource
	checks   []Checker
	started  time.Time

	server     *http.Server
	addr       atomic.Value // net.Addr once listening
	ready      chan struct{}
	inShutdown atomic.Bool
}

type Option func(*Server)

func WithUnit(name string) Option {
	return func(s *Server) { s.unit = name }
}

func WithEndpoint(src EndpointSource) Option {
	return func(s *Server) { s.endpoint = src }
}

// WithChecks adds components whose Ping gates /-/readyz.
func WithChecks(checks ...Checker) Option {
	return func(s *Server) { s.checks = append(s.checks, checks...) }
}

// New creates the server. Port 0 picks a free port.
func New(logger *slog.Logger, port int, opts ...Option) *Server {
	s := &Server{
		logger:  logger.With("component", "http-server"),
		port:    port,
		started: time.Now(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with every endpoint registered.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/-/healthz", s.handleHealthz)
	router.Get("/-/readyz", s.handleReadyz)
	router.Get("/-/status", s.handleStatus)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

// Start listens and serves in a goroutine. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	if s.inShutdown.Load() {
		s.logger.InfoContext(ctx, "http server is shutting down, skipping start")
		return nil
	}

	addr := ":" + strconv.Itoa(s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	lc := &net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable: true,
		},
	}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	s.addr.Store(listener.Addr())
	s.logger.InfoContext(ctx, "http server listening", "addr", listener.Addr().String())

	go func() {
		close(s.ready)
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.ErrorContext(ctx, "http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	addr, _ := s.addr.Load().(net.Addr)
	return addr
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Shutdown gracefully stops the server. Further calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		return nil
	}
	if s.server == nil {
		return nil
	}

	s.logger.InfoContext(ctx, "shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
