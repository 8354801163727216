package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/entrhq/commentd/pkg/session"
	"github.com/entrhq/commentd/pkg/store"
	"github.com/entrhq/commentd/pkg/types"
)

// maxLogLimit caps the limit query parameter of the logs endpoint.
const maxLogLimit = 1000

// apiLogin handles POST /api/v1/auth/login
func (s *Server) apiLogin(c *gin.Context) {
	var req types.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	userID, err := s.store.VerifyUser(req.Username, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}

	token, err := s.tokens.CreateToken(userID, req.Username)
	if err != nil {
		s.fail(c, err)
		return
	}

	claims, err := s.tokens.VerifyToken(token)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, types.TokenResponse{
		Token:     token,
		UserID:    userID,
		Username:  req.Username,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}

// listSessions handles GET /api/v1/sessions?state=active|stopped
func (s *Server) listSessions(c *gin.Context) {
	var sessions []session.Info
	switch c.Query("state") {
	case "active":
		sessions = s.registry.Active()
	case "stopped":
		sessions = s.registry.Stopped()
	case "":
		sessions = s.registry.List()
	default:
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "state must be active or stopped"})
		return
	}
	if sessions == nil {
		sessions = []session.Info{}
	}

	total, active := s.registry.Totals()
	c.JSON(http.StatusOK, gin.H{
		"sessions":        sessions,
		"total_comments":  total,
		"active_sessions": active,
	})
}

// createSession handles POST /api/v1/sessions
func (s *Server) createSession(c *gin.Context) {
	info := s.registry.Create()
	c.JSON(http.StatusCreated, gin.H{"session": info})
}

// startSession handles POST /api/v1/sessions/start
func (s *Server) startSession(c *gin.Context) {
	userID, username, _ := GetUser(c)

	req, err := bindStart(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	info, err := s.startAutomation(c.Request.Context(), userID, username, req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": info})
}

// getSession handles GET /api/v1/sessions/:id
func (s *Server) getSession(c *gin.Context) {
	info, err := s.registry.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": info})
}

// stopSession handles POST /api/v1/sessions/:id/stop
func (s *Server) stopSession(c *gin.Context) {
	if err := s.registry.Stop(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	info, err := s.registry.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": info})
}

// sessionLogs handles GET /api/v1/sessions/:id/logs?limit=
func (s *Server) sessionLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.registry.Get(id); err != nil {
		s.fail(c, err)
		return
	}

	limit := s.cfg.Automation.MaxLogs
	if raw := c.Query("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 1 || l > maxLogLimit {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = l
	}

	c.JSON(http.StatusOK, gin.H{"logs": s.registry.Logs(id, limit)})
}

// cleanupSessions handles POST /api/v1/sessions/cleanup
func (s *Server) cleanupSessions(c *gin.Context) {
	removed := s.registry.CleanupStopped()
	if removed == nil {
		removed = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// getConfig handles GET /api/v1/config
func (s *Server) getConfig(c *gin.Context) {
	userID, _, _ := GetUser(c)

	cfg, err := s.store.GetUserConfig(userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// putConfig handles PUT /api/v1/config
func (s *Server) putConfig(c *gin.Context) {
	userID, _, _ := GetUser(c)

	req := types.ConfigRequest{Delay: store.DefaultDelay}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	err := s.store.UpdateUserConfig(userID, store.UserConfig{
		PostID:        req.PostID,
		CommentPrefix: req.CommentPrefix,
		Delay:         req.Delay,
		Cookies:       req.Cookies,
		Comments:      req.Comments,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.getConfig(c)
}

// status handles GET /api/v1/status
func (s *Server) status(c *gin.Context) {
	userID, _, _ := GetUser(c)

	st := s.watchdog.Status()
	total, active := s.registry.Totals()
	running, err := s.store.GetAutomationRunning(userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, types.StatusResponse{
		MemoryMB:          st.MemoryMB,
		Uptime:            st.Uptime,
		SinceHeartbeat:    st.SinceBeat,
		LastHeartbeat:     st.LastHeartbeat,
		Running:           st.Running,
		Cleanups:          st.Cleanups,
		TotalComments:     total,
		ActiveSessions:    active,
		Sessions:          len(s.registry.List()),
		AutomationRunning: running,
	})
}
