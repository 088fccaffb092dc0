// Package server exposes threads, runs, event streams and cron jobs over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/internal/cron"
	"github.com/aixgo-dev/agentserver/internal/registry"
	"github.com/aixgo-dev/agentserver/internal/stream"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/security"
)

// Config holds the listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// WaitTimeout bounds POST .../runs/wait.
	WaitTimeout time.Duration
}

// Deps are the services behind the API.
type Deps struct {
	Registry *registry.Registry
	Crons    *cron.Service
	Emitter  *stream.Emitter
	Auth     security.Authenticator
	// Limiter throttles run-creating endpoints per owner. Nil disables it.
	Limiter *security.RateLimiter
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	echo    *echo.Echo
	reg     *registry.Registry
	crons   *cron.Service
	emitter *stream.Emitter
	auth    security.Authenticator
	limiter *security.RateLimiter
	health  *observability.HealthChecker
	metrics *observability.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Auth == nil {
		deps.Auth = security.NoAuthAuthenticator{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	if deps.Emitter == nil {
		deps.Emitter = stream.NewEmitter(deps.Metrics, logger)
	}
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker("")
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Minute
	}

	s := &Server{
		cfg:     cfg,
		echo:    echo.New(),
		reg:     deps.Registry,
		crons:   deps.Crons,
		emitter: deps.Emitter,
		auth:    deps.Auth,
		limiter: deps.Limiter,
		health:  deps.Health,
		metrics: deps.Metrics,
		tracer:  observability.Tracer("github.com/aixgo-dev/agentserver/internal/server"),
		logger:  logger.Named("http"),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(accessLog(s.logger))
	e.Use(s.instrument)
	e.Use(s.authenticate)
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/ok", s.ok)
	e.GET("/health", s.healthz)
	e.GET("/health/ready", s.ready)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	e.POST("/threads", s.createThread)
	e.POST("/threads/search", s.searchThreads)
	e.POST("/threads/count", s.countThreads)
	e.GET("/threads/:thread_id", s.getThread)
	e.PATCH("/threads/:thread_id", s.patchThread)
	e.DELETE("/threads/:thread_id", s.deleteThread)
	e.GET("/threads/:thread_id/state", s.getState)
	e.GET("/threads/:thread_id/history", s.getHistory)
	e.POST("/threads/:thread_id/history", s.postHistory)

	e.POST("/threads/:thread_id/runs", s.createRun, s.throttle)
	e.GET("/threads/:thread_id/runs", s.listRuns)
	e.POST("/threads/:thread_id/runs/stream", s.streamRun, s.throttle)
	e.POST("/threads/:thread_id/runs/wait", s.waitRun, s.throttle)
	e.POST("/threads/:thread_id/runs/crons", s.createThreadCron, s.throttle)
	e.GET("/threads/:thread_id/runs/:run_id", s.getRun)
	e.POST("/threads/:thread_id/runs/:run_id/cancel", s.cancelRun)
	e.GET("/threads/:thread_id/runs/:run_id/join", s.joinRunWait)
	e.GET("/threads/:thread_id/runs/:run_id/stream", s.joinRunStream)

	e.POST("/runs/stream", s.streamStatelessRun, s.throttle)
	e.POST("/runs/wait", s.waitStatelessRun, s.throttle)
	e.GET("/runs/:run_id/stream", s.joinRunStream)
	e.POST("/runs/crons", s.createCron, s.throttle)
	e.POST("/runs/crons/search", s.searchCrons)
	e.POST("/runs/crons/count", s.countCrons)
	e.DELETE("/runs/crons/:cron_id", s.deleteCron)
}

// ServeHTTP lets the server be mounted or tested with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.echo,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout cuts event streams too; zero leaves them open.
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
	if err := s.echo.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
