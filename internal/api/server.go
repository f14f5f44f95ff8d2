package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dyluth/cipher/pkg/cipher"
)

// RouteRegistrar registers routes on the server's router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	Logger       *slog.Logger
	ShutdownWait time.Duration
}

// Server is the HTTP front of an instance.
type Server struct {
	client *cipher.Client
	srv    *http.Server
	log    *slog.Logger
	wait   time.Duration
}

// NewServer creates a server with the standard middleware, /healthz and the
// routes of every registrar. WriteTimeout is left unset so websocket
// connections are not cut.
func NewServer(client *cipher.Client, cfg ServerConfig, registrars ...RouteRegistrar) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = 5 * time.Second
	}

	s := &Server{
		client: client,
		log:    cfg.Logger.With("component", "http", "instance", client.InstanceName()),
		wait:   cfg.ShutdownWait,
	}
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router(registrars),
		ReadHeaderTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) router(registrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(s.requestLogger)
	mux.Use(middleware.Recoverer)

	for _, registrar := range registrars {
		registrar.RegisterRoutes(mux)
	}
	mux.Get("/healthz", s.healthCheckHandler)

	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, "no such route")
	})
	return mux
}

// requestLogger logs one line per request at debug level, or warn for 5xx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http_server_started", "listen_addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.wait)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http_shutdown_failed", "error", err)
		return err
	}
	s.log.Info("http_server_stopped")
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// healthCheckHandler returns 200 if Redis is reachable, 503 otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Redis:  "disconnected",
			Error:  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Redis: "connected"})
}
