// Package portal is the operator HTTP API: runs, schedules, companies,
// settings, and log tailing, behind JWT session auth.
package portal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/golang-jwt/jwt/v5"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/dispatcher"
	"oiat.dev/store"
)

// sessionCookie is the cookie carrying the session token for browser
// clients; API clients may use the Authorization header instead.
const sessionCookie = "oiat_session"

// RunDispatcher is the slice of the dispatcher the portal needs.
type RunDispatcher interface {
	Enqueue(req dispatcher.Request) (string, error)
}

// Server is the operator API server.
type Server struct {
	echo       *echo.Echo
	app        *config.AppConfig
	store      *store.Store
	dispatcher RunDispatcher
	tokens     *TokenService
	users      []User
	version    string
	log        *common.ContextLogger
}

// NewServer wires the echo instance, middleware, and routes.
func NewServer(app *config.AppConfig, st *store.Store, disp RunDispatcher, users []User, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = app.Server.Debug

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Secure())
	if len(app.Security.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: app.Security.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodDelete, http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept,
				echo.HeaderAuthorization, "X-CSRF-Token",
			},
			AllowCredentials: true,
		}))
	}
	if app.Security.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(app.Security.RateLimit),
		)))
	}

	s := &Server{
		echo:       e,
		app:        app,
		store:      st,
		dispatcher: disp,
		tokens:     NewTokenService(app.Security.JWTSecret, app.Security.JWTExpiration),
		users:      users,
		version:    version,
		log:        common.ServiceLogger("oiat", "portal"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.POST("/login", s.handleLogin)
	api.GET("/health", s.handleHealth)

	session := api.Group("", echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(s.app.Security.JWTSecret),
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return new(Claims)
		},
		TokenLookup: "header:Authorization:Bearer ,cookie:" + sessionCookie,
	}))

	// Runs
	session.GET("/runs", s.handleListRuns)
	session.GET("/runs/:id", s.handleGetRun)
	session.GET("/runs/:id/log", s.handleRunLog)
	session.GET("/runs/:id/artifacts", s.handleRunArtifacts)
	session.POST("/runs", s.handleTriggerRun, requirePermission(PermTriggerRuns))
	session.POST("/runs/:id/cancel", s.handleCancelRun, requirePermission(PermTriggerRuns))

	// Schedules
	session.GET("/schedules", s.handleListSchedules)
	session.POST("/schedules", s.handleCreateSchedule, requirePermission(PermManageSchedules))
	session.PUT("/schedules/:id", s.handleUpdateSchedule, requirePermission(PermManageSchedules))
	session.POST("/schedules/:id/toggle", s.handleToggleSchedule, requirePermission(PermManageSchedules))
	session.DELETE("/schedules/:id", s.handleDeleteSchedule, requirePermission(PermManageSchedules))
	session.POST("/schedules/:id/run-now", s.handleRunScheduleNow, requirePermission(PermManageSchedules))

	// Companies
	session.GET("/companies", s.handleListCompanies)
	session.GET("/companies/:key", s.handleGetCompany)
	session.POST("/companies", s.handleSaveCompany, requirePermission(PermEditCompanies))
	session.PUT("/companies/:key", s.handleSaveCompany, requirePermission(PermEditCompanies))

	// Settings and worker status
	session.GET("/settings", s.handleGetSettings)
	session.PUT("/settings", s.handlePutSettings, requirePermission(PermManageSettings))
	session.GET("/workers", s.handleWorkers)
}

// Echo exposes the underlying echo instance (tests, custom mounting).
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.app.Server.Host, s.app.Server.Port)
	s.log.WithField("addr", addr).Info("Portal listening")
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  s.app.Server.ReadTimeout,
		WriteTimeout: s.app.Server.WriteTimeout,
	}
	return s.echo.StartServer(srv)
}

// Shutdown drains connections within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.app.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(sctx)
}
