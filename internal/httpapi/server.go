// Package httpapi is the JSON HTTP surface of the identity service. Handlers
// decode requests, call identity.Engine and render its results; they make no
// authentication decisions of their own.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	identity "github.com/cropai/identity"
	"github.com/cropai/identity/metrics"
	"github.com/cropai/identity/middleware"
)

// Config holds the listener settings.
// Config holds the listener settings. Clock only feeds Retry-After and
// defaults to the system clock.
type Config struct {
	Address string
	Timeout time.Duration
	Clock   identity.Clock
}

type Server struct {
	router *echo.Echo
	server *http.Server
	engine *identity.Engine
	clock  identity.Clock
	logger *zap.Logger
}

// NewServer wires the routes. gatherer backs /metrics and may be nil.
func NewServer(cfg Config, engine *identity.Engine, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = identity.ClockFunc(time.Now)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(requestLogger(logger))

	s := &Server{
		router: e,
		server: &http.Server{
			Addr:         cfg.Address,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
			IdleTimeout:  cfg.Timeout,
		},
		engine: engine,
		clock:  cfg.Clock,
		logger: logger.Named("http"),
	}
	s.routes(gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		s.router.GET("/metrics", echo.WrapHandler(metrics.Handler(gatherer)))
	}

	auth := s.router.Group("/auth")
	auth.POST("/register", s.register)
	auth.POST("/login", s.login)
	auth.POST("/mfa/verify", s.verifyMFA)
	auth.POST("/refresh", s.refresh)
	auth.POST("/password/reset", s.requestPasswordReset)
	auth.POST("/password/reset/confirm", s.confirmPasswordReset)
	auth.POST("/devices/verify", s.verifyDeviceToken)

	me := auth.Group("", echo.WrapMiddleware(middleware.Guard(s.engine)))
	me.POST("/logout", s.logout)
	me.GET("/me", s.me)
	me.POST("/password/change", s.changePassword)
	me.POST("/mfa/setup", s.setupMFA)
	me.POST("/mfa/setup/verify", s.verifyMFASetup)
	me.POST("/mfa/disable", s.disableMFA)
	me.GET("/history", s.history)
	me.GET("/devices", s.listDevices)
	me.POST("/devices", s.registerDevice)
	me.DELETE("/devices", s.removeAllDevices)
	me.PUT("/devices/:id/trust", s.trustDevice)
	me.DELETE("/devices/:id", s.removeDevice)

	admin := me.Group("/admin")
	admin.POST("/identities/:id/unlock", s.unlockAccount,
		echo.WrapMiddleware(middleware.RequirePermission(s.engine, "users:update")))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("address", s.server.Addr))
	s.server.Handler = s.router
	return s.router.StartServer(s.server)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.router.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health" || c.Request().URL.Path == "/metrics"
		},
		LogLatency:  true,
		LogRemoteIP: true,
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogError:    true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}
