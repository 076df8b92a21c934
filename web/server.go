// Package web is the HTTP surface of a service: a gin engine plus the CORS,
// documentation and bearer authentication collaborators the service builder
// activates.
//
// Collaborators may be applied after routes were registered; the engine-wide
// middleware installed by NewServer reads them per request.
package web

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Server owns the gin engine and the late-bound collaborators.
type Server struct {
	engine  *gin.Engine
	logger  *slog.Logger
	metrics *HTTPMetrics

	cors atomic.Pointer[gin.HandlerFunc]
	auth atomic.Pointer[Authenticator]
	docs atomic.Pointer[Document]
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records request metrics into m.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a gin engine with recovery, access logging, request
// metrics and the CORS hook installed.
func NewServer(opts ...Option) *Server {
	s := &Server{logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.accessLog(), s.metrics.middleware(), s.corsHook())

	return s
}

// Engine exposes the gin engine for route registration.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Protected returns a router group whose routes require a valid bearer token
// once authentication was registered.
func (s *Server) Protected(path string) *gin.RouterGroup {
	return s.engine.Group(path, s.RequireAuth())
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.LogAttrs(c.Request.Context(), slog.LevelDebug, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
