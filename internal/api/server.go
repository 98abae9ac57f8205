// Package api exposes the batch handler over HTTP: an internal invocation
// endpoint that the HTTP self-invoker posts continuations to, plus health.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/record-exporter/internal/job"
)

const (
	// InvokePath is the route continuations are posted to
	InvokePath = "/internal/export-batches"

	defaultTimeBudget = 5 * time.Minute
)

// BatchHandler runs one invocation
type BatchHandler interface {
	Handle(ctx context.Context, payload job.Payload) (*job.Result, error)
}

// JobLease keeps one job from running twice at once
type JobLease interface {
	Acquire(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, jobID, token string) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handler    BatchHandler
	lease      JobLease
	config     *ServerConfig

	inflight sync.WaitGroup
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// TimeBudget is the deadline given to every invocation
	TimeBudget time.Duration
	// InvokeToken, when set, must be presented as a bearer token
	InvokeToken string
}

// NewServer creates a new API server instance. lease may be nil.
func NewServer(config *ServerConfig, handler BatchHandler, lease JobLease) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		handler: handler,
		lease:   lease,
		config:  config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	internal := s.router.PathPrefix("/internal").Subrouter()
	internal.Use(BearerTokenMiddleware(s.config.InvokeToken))
	internal.HandleFunc("/export-batches", s.handleInvoke).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "record-exporter",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for accepted invocations.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
