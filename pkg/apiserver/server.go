/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

const requestIDHeader = "X-Request-ID"

// Service is what the API exposes. *orchestrator.Orchestrator implements it.
type Service interface {
	Resolve(ctx context.Context, sessionID string, opts types.ResolveOptions) (*types.SandboxContext, error)
	Invalidate(sessionID string)
	Purge(ctx context.Context, sessionID string) error
	Stats() types.CacheStats
	Ready(ctx context.Context) error
	SaveSnapshot(ctx context.Context, sessionID string, files []types.SnapshotFile) error
	DeleteSnapshot(ctx context.Context, sessionID string) error
	IndexSession(ctx context.Context, owner, sessionID string) error
	UnindexSession(ctx context.Context, owner, sessionID string) error
	ListSessions(ctx context.Context, owner string) ([]string, error)
}

// Server is the main structure for the sandboxkeeper API server
type Server struct {
	config     *Config
	engine     *gin.Engine
	httpServer *http.Server
	service    Service
}

// NewServer creates a new API server instance
func NewServer(config *Config, service Service) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}

	// Set default values for concurrency settings
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 1000 // Default limit
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	// Set Gin mode based on environment
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:  config,
		service: service,
	}
	server.setupRoutes()
	return server, nil
}

// concurrencyLimitMiddleware limits the number of concurrent requests
func (s *Server) concurrencyLimitMiddleware() gin.HandlerFunc {
	concurrency := make(chan struct{}, s.config.MaxConcurrentRequests)
	return func(c *gin.Context) {
		select {
		case concurrency <- struct{}{}:
			defer func() {
				<-concurrency
			}()
			c.Next()
		default:
			respondError(c, http.StatusTooManyRequests, CodeServerOverloaded, "server overloaded, please try again later")
			c.Abort()
		}
	}
}

// requestIDMiddleware propagates or assigns a request ID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// setupRoutes configures HTTP routes using Gin
func (s *Server) setupRoutes() {
	s.engine = gin.New()

	// Health check and metrics endpoints (no concurrency limit)
	s.engine.GET("/health/live", s.handleHealthLive)
	s.engine.GET("/health/ready", s.handleHealthReady)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	v1.Use(gin.Logger())
	v1.Use(gin.Recovery())
	v1.Use(requestIDMiddleware())
	v1.Use(s.concurrencyLimitMiddleware())

	v1.POST("/sessions/:sessionId/sandbox", s.handleResolve)
	v1.GET("/sessions/:sessionId/sandbox", s.handleGetSandbox)
	v1.DELETE("/sessions/:sessionId/sandbox", s.handleInvalidate)

	v1.PUT("/sessions/:sessionId/snapshot", s.handleSaveSnapshot)
	v1.DELETE("/sessions/:sessionId/snapshot", s.handleDeleteSnapshot)

	v1.GET("/owners/:owner/sessions", s.handleListSessions)
	v1.PUT("/owners/:owner/sessions/:sessionId", s.handleIndexSession)
	v1.DELETE("/owners/:owner/sessions/:sessionId", s.handleUnindexSession)

	v1.GET("/stats", s.handleStats)
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the API server and blocks until ctx is done or serving fails.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.config.Port

	// Wrap handler with h2c for HTTP/2 cleartext support
	h2cHandler := h2c.NewHandler(s.engine, &http2.Server{})

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     h2cHandler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 90 * time.Second, // golang http default transport's idletimeout is 90s
	}

	// Listen for shutdown signal in goroutine
	go func() {
		<-ctx.Done()
		klog.Info("Shutting down sandboxkeeper server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Server shutdown error: %v", err)
		}
	}()

	klog.Infof("sandboxkeeper server listening on %s", addr)

	var err error
	if s.config.EnableTLS {
		if s.config.TLSCert == "" || s.config.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert/key not provided")
		}
		err = s.httpServer.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
