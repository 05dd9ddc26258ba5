// Package api provides the HTTP status API for a mate node
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/network"
	"github.com/ZentaChain/mate-node/pkg/storage"
)

// NodeInfo is the view of a running node the API reports on.
// *network.Server implements it.
type NodeInfo interface {
	PeerID() crypto.PeerID
	Addr() net.Addr
	Connections() []network.ConnectionInfo
	Stats() network.Stats
}

// EnvelopeStore is the read side of the envelope log.
// *storage.EnvelopeLog implements it.
type EnvelopeStore interface {
	Recent(ctx context.Context, limit int) ([]*storage.Record, error)
	ByPeer(ctx context.Context, peer crypto.PeerID, limit int) ([]*storage.Record, error)
	Peers(ctx context.Context) ([]*storage.PeerRecord, error)
}

var (
	_ NodeInfo      = (*network.Server)(nil)
	_ EnvelopeStore = (*storage.EnvelopeLog)(nil)
)

// Server represents the HTTP status API server
type Server struct {
	node    NodeInfo
	store   EnvelopeStore
	metrics *network.Metrics
	logger  *zap.Logger
	config  *Config
	router  *gin.Engine
	started time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Config holds server configuration
type Config struct {
	ListenAddr   string
	EnableCORS   bool
	RateLimit    int // Requests per minute per client IP, 0 disables
	APIKeys      []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   "127.0.0.1:8080",
		EnableCORS:   true,
		RateLimit:    600,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithStore serves peers and messages from the envelope log.
func WithStore(store EnvelopeStore) Option {
	return func(s *Server) { s.store = store }
}

// WithMetrics exposes the node's collectors at /metrics.
func WithMetrics(m *network.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new HTTP API server
func NewServer(node NodeInfo, config *Config, opts ...Option) (*Server, error) {
	if node == nil {
		return nil, errors.New("api: node is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		node:    node,
		logger:  zap.NewNop(),
		config:  config,
		router:  gin.New(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.logger))

	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health check endpoint (outside versioning and auth)
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	if len(s.config.APIKeys) > 0 {
		keys := make(map[string]bool, len(s.config.APIKeys))
		for _, k := range s.config.APIKeys {
			keys[k] = true
		}
		v1.Use(AuthMiddleware(keys))
	}
	{
		v1.GET("/node/info", s.handleNodeInfo)
		v1.GET("/connections", s.handleConnections)
		v1.GET("/peers", s.handlePeers)
		v1.GET("/messages", s.handleMessages)
	}

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound address once Start has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves the API until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("HTTP API server starting", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}
