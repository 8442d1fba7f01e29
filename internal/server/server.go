// Package server wires the HTTP API: health probes, the notification feed,
// and the operator actions (resume, approve, opt-outs).
package server

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	"outreach/internal/config"
	"outreach/internal/followup"
	"outreach/internal/handlers"
	"outreach/internal/mail"
	"outreach/internal/store"
)

// Server represents the application server
type Server struct {
	echo      *echo.Echo
	store     *store.Store
	mailbox   mail.Provider
	scheduler *followup.Scheduler
	config    *config.Config
	logger    zerolog.Logger
}

// New creates a new server instance
func New(cfg *config.Config, s *store.Store, mailbox mail.Provider, scheduler *followup.Scheduler, logger zerolog.Logger) *Server {
	return &Server{
		store:     s,
		mailbox:   mailbox,
		scheduler: scheduler,
		config:    cfg,
		logger:    logger,
	}
}

// zerologMiddleware creates a zerolog-based logging middleware for Echo
func (s *Server) zerologMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			s.logger.Info().
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Str("remote_ip", c.RealIP()).
				Int("status", res.Status).
				Int64("latency_ms", time.Since(start).Milliseconds()).
				Str("user_agent", req.UserAgent()).
				Msg("HTTP request")

			return err
		}
	}
}

// Initialize sets up the Echo framework with middleware and routes
func (s *Server) Initialize() {
	s.echo = echo.New()

	// Middleware
	s.echo.Use(s.zerologMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	// Hide Echo banner
	s.echo.HideBanner = true

	// Setup routes
	s.setupRoutes()
}

// setupRoutes configures all the application routes
func (s *Server) setupRoutes() {
	// API group with /api prefix
	api := s.echo.Group("/api")

	// Swagger documentation
	s.echo.GET("/swagger/*", echoSwagger.WrapHandler)

	// Health endpoints (keep at root level for monitoring)
	s.echo.GET("/healthz", handlers.HealthHandler(s.config.Version))
	s.echo.GET("/healthz/db", handlers.DBHealthHandler(s.store.DB()))

	defaultOwner := s.config.GraphMailbox

	api.GET("/", handlers.RootHandler(s.config.Version))

	api.GET("/notifications", handlers.ListNotificationsHandler(s.store, defaultOwner))
	api.POST("/notifications/:id/read", handlers.MarkNotificationReadHandler(s.store))

	api.GET("/threads", handlers.ListThreadsHandler(s.store, defaultOwner))
	api.GET("/threads/:id/messages", handlers.ThreadMessagesHandler(s.store))
	api.POST("/threads/:id/resume", handlers.ResumeThreadHandler(s.store))
	api.POST("/threads/:id/approve", handlers.ApprovePendingHandler(s.store, s.mailbox, s.scheduler))

	api.GET("/optouts", handlers.ListOptOutsHandler(s.store, defaultOwner))
	api.POST("/optouts", handlers.AddOptOutHandler(s.store, defaultOwner))
	api.DELETE("/optouts/:email", handlers.RemoveOptOutHandler(s.store, defaultOwner))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("port", s.config.Port).Msg("Server starting")
	return s.echo.Start(":" + s.config.Port)
}
