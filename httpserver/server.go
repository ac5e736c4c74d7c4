package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/executor"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/pool"
	"github.com/isdmx/runbox/portalloc"
	"github.com/isdmx/runbox/proxy"
)

// Server is the HTTP surface of the platform.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	executor *executor.Executor
	proxy    *proxy.Router
	client   engine.Client

	srv *http.Server
}

// New creates the server with all routes mounted.
func New(cfg *config.Config, logger *zap.Logger, ex *executor.Executor, proxyRouter *proxy.Router, collector *metrics.Collector, client engine.Client) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		executor: ex,
		proxy:    proxyRouter,
		client:   client,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/execute", s.handleExecute)
	mux.HandleFunc("GET /api/v1/containers", s.handleListContainers)
	mux.HandleFunc("DELETE /api/v1/containers/{id}", s.handleRemoveContainer)
	mux.HandleFunc("DELETE /api/v1/containers", s.handleRemoveAll)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", collector.Handler())
	// The proxy handles /proxy/... and the bare asset fallback for framework
	// frontends.
	mux.Handle("/", proxyRouter)

	s.srv = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
		// Proxied apps stream responses and hold WebSockets open, so no
		// write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. The listen happens synchronously so a bad address
// fails startup; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}

	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}

// Handler returns the full wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type executeRequest struct {
	Code           string            `json:"code"`
	Packages       []string          `json:"packages"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ContainerID    string            `json:"container_id"`
	Env            map[string]string `json:"env"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.executor.Run(r.Context(), executor.Request{
		Code:        req.Code,
		Packages:    req.Packages,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
		ContainerID: req.ContainerID,
		Env:         req.Env,
	})
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// writeRunError maps orchestration failures onto HTTP statuses. Failures of
// the submitted code itself never reach here; those come back inside a 200
// result.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	var installErr *engine.PackageInstallError

	switch {
	case errors.Is(err, executor.ErrEmptyCode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &installErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "package installation failed",
			"packages": installErr.Packages,
			"output":   installErr.Output,
		})
	case errors.Is(err, pool.ErrContainerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, portalloc.ErrPortExhausted):
		writeError(w, http.StatusServiceUnavailable, "no ports available for web services")
	case errors.Is(err, engine.ErrEngineUnavailable):
		// The engine endpoint never reaches clients.
		writeError(w, http.StatusServiceUnavailable, "execution backend unavailable")
	default:
		s.logger.Error("execution failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListContainers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"containers": s.executor.ListContainers(),
	})
}

func (s *Server) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.executor.RemoveContainer(r.Context(), id); err != nil {
		if errors.Is(err, pool.ErrContainerNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("failed to remove container", zap.String("container_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "container_id": id})
}

func (s *Server) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.RemoveAll(r.Context()); err != nil {
		s.logger.Error("failed to remove containers", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"engine": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// wrap applies recovery and request logging around the mux.
func (s *Server) wrap(next http.Handler) http.Handler {
	return s.recoverMiddleware(s.logMiddleware(next))
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		// Health and metrics polling would drown the log at info level.
		log := s.logger.Info
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			log = s.logger.Debug
		}
		if sw.status >= 500 {
			log = s.logger.Error
		}
		log("http request",
			zap.String("method", r.Method),
			zap.String("path", sanitizePath(r.URL.Path)),
			zap.Int("status", sw.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("panic recovered",
					zap.String("path", r.URL.Path),
					zap.Any("panic", v))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// sanitizePath truncates pathological paths before they hit the log.
func sanitizePath(path string) string {
	if len(path) > 200 {
		return path[:200] + "..."
	}
	return strings.ToValidUTF8(path, "")
}
