// Package server exposes the REST and streaming API of the engine.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/platform/config"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/platform/metrics"
	"github.com/nodeflow-io/nodeflow/internal/recorder"
	"github.com/nodeflow-io/nodeflow/internal/store"
	"github.com/nodeflow-io/nodeflow/internal/workflow/validator"
)

// Server wires the engine, stores and recorder behind an HTTP API.
type Server struct {
	config    *config.Config
	logger    logger.Logger
	registry  *runtime.Registry
	engine    *engine.Engine
	recorder  *recorder.Recorder
	workflows store.WorkflowStore
	validator *validator.Validator
	metrics   *metrics.Metrics

	httpServer *http.Server
	router     *mux.Router
	upgrader   websocket.Upgrader
}

// Option is a server configuration option
type Option func(*Server)

// WithConfig sets the server config
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.config = cfg }
}

// WithLogger sets the server logger
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.logger = log }
}

// WithRegistry sets the node registry backing /api/nodes and validation.
func WithRegistry(registry *runtime.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithEngine sets the execution engine.
func WithEngine(eng *engine.Engine) Option {
	return func(s *Server) { s.engine = eng }
}

// WithRecorder sets the execution recorder serving /api/executions.
func WithRecorder(rec *recorder.Recorder) Option {
	return func(s *Server) { s.recorder = rec }
}

// WithWorkflowStore sets the workflow persistence backend.
func WithWorkflowStore(ws store.WorkflowStore) Option {
	return func(s *Server) { s.workflows = ws }
}

// WithMetrics enables the /metrics endpoint and HTTP instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a new server instance
func New(opts ...Option) (*Server, error) {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}

	switch {
	case s.config == nil:
		return nil, fmt.Errorf("server requires a config")
	case s.logger == nil:
		return nil, fmt.Errorf("server requires a logger")
	case s.registry == nil:
		return nil, fmt.Errorf("server requires a node registry")
	case s.engine == nil:
		return nil, fmt.Errorf("server requires an engine")
	case s.recorder == nil:
		return nil, fmt.Errorf("server requires a recorder")
	case s.workflows == nil:
		return nil, fmt.Errorf("server requires a workflow store")
	}

	s.validator = validator.New(s.registry)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRouter() {
	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware)
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/workflows", s.handleListWorkflows).Methods("GET")
	api.HandleFunc("/workflows", s.handleCreateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}", s.handleUpdateWorkflow).Methods("PUT")
	api.HandleFunc("/workflows/{id}", s.handleDeleteWorkflow).Methods("DELETE")
	api.HandleFunc("/workflows/{id}/validate", s.handleValidateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/run", s.handleRunWorkflow).Methods("POST")
	api.HandleFunc("/workflows/run-adhoc", s.handleRunAdhoc).Methods("POST")

	api.HandleFunc("/executions", s.handleListExecutions).Methods("GET")
	api.HandleFunc("/executions", s.handleClearExecutions).Methods("DELETE")
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods("GET")
	api.HandleFunc("/executions/{id}", s.handleDeleteExecution).Methods("DELETE")
	api.HandleFunc("/executions/{id}/cancel", s.handleCancelExecution).Methods("POST")
	api.HandleFunc("/executions/{id}/resume/{handle}", s.handleResumeExecution).Methods("POST")

	api.HandleFunc("/nodes", s.handleListNodes).Methods("GET")

	router.HandleFunc("/webhook/{workflowId}", s.handleWebhook)
	router.HandleFunc("/execution-stream/{id}", s.handleExecutionStream).Methods("GET")
	router.HandleFunc("/ws/executions", s.handleExecutionSocket).Methods("GET")

	s.router = router
}

// Handler returns the HTTP handler; used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "port", s.config.HTTP.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)

		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", sw.status,
			"duration_ms", duration.Milliseconds())
		if s.metrics != nil {
			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}
			s.metrics.RecordHTTPRequest(r.Method, path, sw.status, duration)
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so SSE works through the
// middleware chain.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the underlying writer so websocket upgrades work
// through the middleware chain.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
