package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

type config struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	startHooks      []func(ctx context.Context, addr string)
	stopHooks       []func(ctx context.Context)
}

func defaultConfig() *config {
	return &config{
		addr:            ":8080",
		readTimeout:     30 * time.Second,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
}

// Server runs an http.Handler until its context ends, then drains in-flight
// requests within the shutdown timeout.
type Server struct {
	cfg  *config
	mu   sync.Mutex
	srv  *http.Server
	addr string
	once sync.Once
}

// New returns a configured Server.
func New(opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.Noop()
	}
	return &Server{cfg: cfg}
}

// Addr returns the bound listen address once the server is running.
// With a ":0" address it reports the port the kernel picked.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves handler and blocks until ctx is cancelled, Shutdown is called or
// the listener fails. A graceful stop returns nil; listen failures are wrapped
// with ErrStart.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return errors.Join(ErrStart, errors.New("server already running"))
	}

	ln, err := net.Listen("tcp", s.cfg.addr)
	if err != nil {
		s.mu.Unlock()
		return errors.Join(ErrStart, err)
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  s.cfg.readTimeout,
		WriteTimeout: s.cfg.writeTimeout,
		IdleTimeout:  s.cfg.idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		ErrorLog:     slog.NewLogLogger(s.cfg.logger.Handler(), slog.LevelWarn),
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.cfg.logger.LogAttrs(ctx, slog.LevelInfo, "http server listening", slog.String("addr", s.addr))
	for _, h := range s.cfg.startHooks {
		h(ctx, s.addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		err := s.Shutdown(context.WithoutCancel(ctx))
		<-errCh
		return err
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(ErrStart, err)
		}
		return nil
	}
}

// Start returns a function that runs the server until ctx ends, suitable
// for errgroup.Group.Go.
func (s *Server) Start(ctx context.Context, handler http.Handler) func() error {
	return func() error {
		return s.Run(ctx, handler)
	}
}

// Shutdown stops the server gracefully. It is safe for repeated calls.
// Any error from http.Server.Shutdown is wrapped with ErrShutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		srv := s.srv
		s.mu.Unlock()
		if srv == nil {
			return
		}

		ctx, cancel := context.WithTimeout(ctx, s.cfg.shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(ctx)
		for _, h := range s.cfg.stopHooks {
			h(ctx)
		}
		if err != nil {
			s.cfg.logger.LogAttrs(ctx, slog.LevelError, "http server shutdown failed", logger.Error(err))
			return
		}
		s.cfg.logger.LogAttrs(ctx, slog.LevelInfo, "http server stopped")
	})

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(ErrShutdown, err)
	}
	return nil
}
