// Package server serves the commentd web dashboard and its JSON API.
package server

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/entrhq/commentd/pkg/auth"
	"github.com/entrhq/commentd/pkg/config"
	"github.com/entrhq/commentd/pkg/logging"
	"github.com/entrhq/commentd/pkg/session"
	"github.com/entrhq/commentd/pkg/store"
	"github.com/entrhq/commentd/pkg/types"
	"github.com/entrhq/commentd/pkg/watchdog"
)

//go:embed templates/*.html
var templateFS embed.FS

// Deps are the collaborators the server drives.
type Deps struct {
	Config   *config.Config
	Store    *store.SQLiteStore
	Registry *session.Registry
	Tokens   *auth.TokenManager
	Watchdog *watchdog.Watchdog
	Logger   *logging.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	registry *session.Registry
	tokens   *auth.TokenManager
	watchdog *watchdog.Watchdog
	logger   *logging.Logger
	router   *gin.Engine
}

// New wires the routes. It also registers a registry stop hook that clears
// the owner's automation flag once their last session stops.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Store == nil || deps.Registry == nil || deps.Tokens == nil {
		return nil, errors.New("server requires config, store, registry and token manager")
	}
	if deps.Watchdog == nil {
		deps.Watchdog = watchdog.New(watchdog.Options{})
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard("http")
	}

	s := &Server{
		cfg:      deps.Config,
		store:    deps.Store,
		registry: deps.Registry,
		tokens:   deps.Tokens,
		watchdog: deps.Watchdog,
		logger:   deps.Logger,
	}

	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	if !s.cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.SetHTMLTemplate(tmpl)
	s.routes()

	s.registry.OnStop(s.clearAutomationFlag)
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.GET("/healthz", s.healthz)

	// Public pages
	r.GET("/login", s.loginPage)
	r.POST("/login", s.login)
	r.GET("/signup", s.signupPage)
	r.POST("/signup", s.signup)
	r.GET("/logout", s.logout)
	r.POST("/logout", s.logout)

	// Dashboard pages (login required)
	pages := r.Group("")
	pages.Use(PageAuthMiddleware(s.tokens))
	{
		pages.GET("/", s.dashboard)
		pages.POST("/sessions/new", s.newSessionPage)
		pages.POST("/sessions/start", s.startPage)
		pages.POST("/sessions/cleanup", s.cleanupPage)
		pages.GET("/lookup", s.lookupPage)
		pages.GET("/sessions/:id", s.sessionPage)
		pages.POST("/sessions/:id/stop", s.stopPage)
	}

	api := r.Group("/api/v1")
	api.Use(cors.New(s.corsConfig()))
	api.POST("/auth/login", s.apiLogin)

	protected := api.Group("")
	protected.Use(AuthMiddleware(s.tokens))
	{
		protected.GET("/sessions", s.listSessions)
		protected.POST("/sessions", s.createSession)
		protected.POST("/sessions/start", s.startSession)
		protected.POST("/sessions/cleanup", s.cleanupSessions)
		protected.GET("/sessions/:id", s.getSession)
		protected.POST("/sessions/:id/stop", s.stopSession)
		protected.GET("/sessions/:id/logs", s.sessionLogs)
		protected.GET("/sessions/:id/logs/ws", s.streamLogs)

		protected.GET("/config", s.getConfig)
		protected.PUT("/config", s.putConfig)
		protected.GET("/status", s.status)
	}
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func (s *Server) healthz(c *gin.Context) {
	s.watchdog.Ping()
	if err := s.store.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// clearAutomationFlag runs when a worker exits.
func (s *Server) clearAutomationFlag(info session.Info) {
	if info.OwnerID == 0 {
		return
	}
	for _, other := range s.registry.Active() {
		if other.OwnerID == info.OwnerID {
			return
		}
	}
	if err := s.store.SetAutomationRunning(info.OwnerID, false); err != nil {
		s.logger.Warnf("Failed to clear automation flag for user %d: %v", info.OwnerID, err)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verr validationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, store.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidJob), errors.Is(err, session.ErrTargetNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		msg = "internal error"
	}
	c.JSON(code, types.ErrorResponse{Error: msg})
}

var templateFuncs = template.FuncMap{
	"ago": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return humanize.Time(t)
	},
	"comma": func(n int) string {
		return humanize.Comma(int64(n))
	},
	"megabytes": func(mb float64) string {
		return humanize.IBytes(uint64(mb * 1024 * 1024))
	},
}
