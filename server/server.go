package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kbukum/capdir/component"
	"github.com/kbukum/capdir/logger"
	"github.com/kbukum/capdir/observability"
	"github.com/kbukum/capdir/server/endpoint"
	"github.com/kbukum/capdir/server/middleware"
)

const (
	meterName     = "github.com/kbukum/capdir/server"
	componentName = "http-server"
)

var (
	_ component.Component     = (*ServerComponent)(nil)
	_ component.Describable   = (*ServerComponent)(nil)
	_ component.RouteProvider = (*ServerComponent)(nil)
)

// Server is the admin HTTP server: a Gin engine behind a net/http
// middleware chain, served over HTTP/1.1 and h2c.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     Config
	log        *logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server. Routes are registered on GinEngine before Start.
func New(cfg Config, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{engine: gin.New(), config: cfg, log: log.WithComponent("server")}

	m, err := observability.NewHTTPMetrics(observability.Meter(meterName))
	if err != nil {
		s.log.Warn("request metrics disabled", logger.MergeWithError(nil, err))
	}
	chain := middleware.Chain(
		middleware.Recovery(s.log),
		middleware.RequestID(),
		middleware.RequestLogger(s.log),
		middleware.Metrics(m),
		middleware.BodySizeLimit(cfg.MaxBodyBytes),
	)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      h2c.NewHandler(chain(s.engine), &http2.Server{IdleTimeout: cfg.IdleTimeout}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// GinEngine is where routes are registered.
func (s *Server) GinEngine() *gin.Engine { return s.engine }

// Handler is the engine wrapped in the middleware chain.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start binds the port and serves in the background.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", logger.MergeWithError(nil, err))
		}
	}()
	s.log.Info("listening", logger.Fields("addr", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests for at most the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info("stopped")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

func (s *Server) bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// RegisterDefaultEndpoints adds the probes, build info and runtime stats.
func (s *Server) RegisterDefaultEndpoints(serviceName string, checker endpoint.HealthChecker) {
	s.engine.GET("/health", endpoint.Health(serviceName, checker))
	s.engine.GET("/ready", endpoint.Readiness(serviceName, checker))
	s.engine.GET("/alive", endpoint.Liveness(serviceName))
	s.engine.GET("/info", endpoint.Info(serviceName))
	s.engine.GET("/version", endpoint.Version())
	s.engine.GET("/debug/runtime", endpoint.Runtime())
}

// ServerComponent runs a Server under bootstrap.
type ServerComponent struct {
	server *Server
}

// NewComponent wraps s.
func NewComponent(s *Server) *ServerComponent { return &ServerComponent{server: s} }

func (sc *ServerComponent) Name() string                   { return componentName }
func (sc *ServerComponent) Start(ctx context.Context) error { return sc.server.Start(ctx) }
func (sc *ServerComponent) Stop(ctx context.Context) error  { return sc.server.Stop(ctx) }

// Health is unhealthy until the listener is bound.
func (sc *ServerComponent) Health(context.Context) component.Health {
	if !sc.server.bound() {
		return component.Health{Name: componentName, Status: component.StatusUnhealthy, Message: "not listening"}
	}
	return component.Health{Name: componentName, Status: component.StatusHealthy, Message: sc.server.Addr()}
}

func (sc *ServerComponent) Describe() component.Description {
	return component.Description{
		Name:    "Admin API",
		Type:    "server",
		Details: sc.server.httpServer.Addr,
		Port:    sc.server.config.Port,
	}
}

// Routes lists API routes before the operational ones.
func (sc *ServerComponent) Routes() []component.Route {
	return sortedRoutes(sc.server.engine.Routes())
}
