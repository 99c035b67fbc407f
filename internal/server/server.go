// Package server exposes a core.Service as inventory tools over JSON-RPC.
//
// It is the remote end of internal/gateway: POST /rpc accepts tools/list and
// tools/call envelopes, GET /healthz reports backend reachability. Request
// signatures are verified in front of this server (API gateway or function
// URL with IAM auth), not here.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/koustreak/schemagate/internal/core"
	"github.com/koustreak/schemagate/internal/logger"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	PageSize        int           `mapstructure:"page_size"` // tools per tools/list page
	ToolGroup       string        `mapstructure:"tool_group"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		PageSize:        50,
		ToolGroup:       "inventory",
		RequestTimeout:  60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    8 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.ToolGroup == "" {
		c.ToolGroup = def.ToolGroup
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	return c
}

// Server serves the inventory tools of one Service.
type Server struct {
	svc   *core.Service
	cfg   Config
	log   *logger.Logger
	tools []tool
	index map[string]*tool
}

// New creates a Server for svc.
func New(svc *core.Service, cfg Config, log *logger.Logger) *Server {
	s := &Server{
		svc: svc,
		cfg: cfg.withDefaults(),
		log: logger.OrNop(log).Component("server"),
	}
	s.tools = s.inventoryTools()
	s.index = make(map[string]*tool, len(s.tools))
	for i := range s.tools {
		s.index[s.tools[i].Name] = &s.tools[i]
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Post("/rpc", s.handleRPC)
	r.Get("/healthz", s.handleHealth)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoWith("listening", map[string]interface{}{"addr": s.cfg.Addr})
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.svc.Ping(ctx); err != nil {
		s.log.WarnWith("health check failed", err, nil)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.HTTPEvent().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
