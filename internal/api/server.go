package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/event"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pending"
	"github.com/seantiz/anvil/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Jobs is the job control surface of the state machine.
type Jobs interface {
	Spawn(ctx context.Context, desc model.Descriptor) (string, error)
	Terminate(ctx context.Context, jobID string) error
	Signal(ctx context.Context, jobID string, sig syscall.Signal) error
	KillProcs(ctx context.Context, jobID string, ranks []uint32) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	List(ctx context.Context) ([]*model.Job, error)
}

// Waiter blocks until a job and its co-launched jobs have terminated.
type Waiter interface {
	Wait(ctx context.Context, jobID string) (pending.Result, error)
}

// Streams hands out live event feeds per job.
type Streams interface {
	Subscribe(jobID string) (<-chan event.Record, func())
}

// Deps are the collaborators the HTTP surface serves. Waiter and Streams
// may be nil; their routes then answer 501.
type Deps struct {
	Jobs     Jobs
	Store    store.Store
	Registry *backend.Registry
	Waiter   Waiter
	Streams  Streams
	Logger   *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	jobs     Jobs
	store    store.Store
	registry *backend.Registry
	waiter   Waiter
	streams  Streams
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		jobs:     deps.Jobs,
		store:    deps.Store,
		registry: deps.Registry,
		waiter:   deps.Waiter,
		streams:  deps.Streams,
		logger:   deps.Logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/backends", s.handleListBackends)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/procs/{pid}/stats", s.handleProcStats)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSpawnJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleTerminateJob)
		r.Post("/{id}/signal", s.handleSignalJob)
		r.Post("/{id}/kill", s.handleKillProcs)
		r.Post("/{id}/restart", s.handleRestartJob)
		r.Get("/{id}/events", s.handleListEvents)
		r.Get("/{id}/stream", s.handleStreamEvents)
		r.Get("/{id}/wait", s.handleWaitJob)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves on the configured address until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		// Event streams end with the server instead of holding Shutdown open.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", l.Addr().String())
		if err := httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx).Error())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
