package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/entrhq/commentd/pkg/auth"
	"github.com/entrhq/commentd/pkg/config"
	"github.com/entrhq/commentd/pkg/session"
	"github.com/entrhq/commentd/pkg/store"
	"github.com/entrhq/commentd/pkg/types"
	"github.com/entrhq/commentd/pkg/watchdog"
)

const (
	// pageLogLines is how many log lines the session page shows.
	pageLogLines = 25

	// stoppedShown is how many stopped sessions the dashboard lists.
	stoppedShown = 5
)

type authView struct {
	Title string
	// Login is the username typed into the form.
	Login    string
	Username string
	Error    string
}

type dashboardView struct {
	Title         string
	Username      string
	TotalComments int
	Active        []session.Info
	Stopped       []session.Info
	Form          types.StartRequest
	Error         string
	Notice        string
	LookupID      string
	LookupError   string
	Status        watchdog.Status
	MinDelay      int
	MaxDelay      int
}

type sessionView struct {
	Title    string
	Username string
	ID       string
	Found    bool
	Session  session.Info
	Logs     []string
}

// --- Login ---

func (s *Server) loginPage(c *gin.Context) {
	if authenticate(c, s.tokens) {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	c.HTML(http.StatusOK, "login.html", authView{Title: "Login"})
}

func (s *Server) login(c *gin.Context) {
	var req types.LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.HTML(http.StatusBadRequest, "login.html", authView{Title: "Login", Error: "Enter username and password"})
		return
	}

	userID, err := s.store.VerifyUser(req.Username, req.Password)
	if err != nil {
		msg := "Invalid username or password"
		if !errors.Is(err, store.ErrInvalidCredentials) {
			s.logger.Errorf("Login for %q failed: %v", req.Username, err)
			msg = "Login failed, try again"
		}
		c.HTML(statusFor(err), "login.html", authView{Title: "Login", Login: req.Username, Error: msg})
		return
	}

	s.issueLogin(c, userID, strings.TrimSpace(req.Username))
}

func (s *Server) signupPage(c *gin.Context) {
	c.HTML(http.StatusOK, "signup.html", authView{Title: "Sign up"})
}

func (s *Server) signup(c *gin.Context) {
	var req types.SignupRequest
	if err := c.ShouldBind(&req); err != nil {
		c.HTML(http.StatusBadRequest, "signup.html", authView{Title: "Sign up", Error: "Enter username and password"})
		return
	}
	page := authView{Title: "Sign up", Login: req.Username}

	if req.Password != req.Confirm {
		page.Error = "Passwords do not match"
		c.HTML(http.StatusBadRequest, "signup.html", page)
		return
	}
	if len(req.Password) < auth.MinPasswordLength {
		page.Error = fmt.Sprintf("Password must be at least %d characters", auth.MinPasswordLength)
		c.HTML(http.StatusBadRequest, "signup.html", page)
		return
	}

	userID, err := s.store.CreateUser(req.Username, req.Password)
	if err != nil {
		page.Error = "Could not create account"
		if errors.Is(err, store.ErrUserExists) {
			page.Error = "Username already exists"
		} else {
			s.logger.Errorf("Signup for %q failed: %v", req.Username, err)
		}
		c.HTML(statusFor(err), "signup.html", page)
		return
	}

	s.issueLogin(c, userID, strings.TrimSpace(req.Username))
}

func (s *Server) issueLogin(c *gin.Context, userID int64, username string) {
	token, err := s.tokens.CreateToken(userID, username)
	if err != nil {
		s.logger.Errorf("Failed to issue token for %q: %v", username, err)
		c.HTML(http.StatusInternalServerError, "login.html", authView{Title: "Login", Error: "Login failed, try again"})
		return
	}
	setTokenCookie(c, token, s.tokens.TTL())
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) logout(c *gin.Context) {
	clearTokenCookie(c)
	c.Redirect(http.StatusSeeOther, "/login")
}

// --- Dashboard ---

func (s *Server) dashboardData(c *gin.Context) dashboardView {
	userID, username, _ := GetUser(c)

	total, _ := s.registry.Totals()
	stopped := s.registry.Stopped()
	if len(stopped) > stoppedShown {
		stopped = stopped[len(stopped)-stoppedShown:]
	}

	form := types.StartRequest{Delay: config.DefaultDelay}
	if cfg, err := s.store.GetUserConfig(userID); err == nil {
		form.PostID = cfg.PostID
		form.Prefix = cfg.CommentPrefix
		form.Delay = cfg.Delay
		form.Cookies = cfg.Cookies
		form.Comments = cfg.Comments
	} else {
		s.logger.Warnf("Failed to load settings for user %d: %v", userID, err)
	}

	return dashboardView{
		Title:         "Dashboard",
		Username:      username,
		TotalComments: total,
		Active:        s.registry.Active(),
		Stopped:       stopped,
		Form:          form,
		Status:        s.watchdog.Status(),
		MinDelay:      config.MinDelay,
		MaxDelay:      config.MaxDelay,
	}
}

func (s *Server) dashboard(c *gin.Context) {
	page := s.dashboardData(c)
	switch {
	case c.Query("started") != "":
		page.Notice = "Session Started! ID: " + strings.ToUpper(c.Query("started"))
	case c.Query("created") != "":
		page.Notice = "Session created: " + strings.ToUpper(c.Query("created"))
	case c.Query("cleaned") != "":
		page.Notice = "Removed idle sessions: " + c.Query("cleaned")
	}
	c.HTML(http.StatusOK, "dashboard.html", page)
}

func (s *Server) newSessionPage(c *gin.Context) {
	info := s.registry.Create()
	c.Redirect(http.StatusSeeOther, "/?created="+url.QueryEscape(info.ID))
}

func (s *Server) startPage(c *gin.Context) {
	userID, username, _ := GetUser(c)

	req, err := bindStart(c)
	if err == nil {
		var info session.Info
		info, err = s.startAutomation(c.Request.Context(), userID, username, req)
		if err == nil {
			c.Redirect(http.StatusSeeOther, "/?started="+url.QueryEscape(info.ID))
			return
		}
	}

	page := s.dashboardData(c)
	page.Form = req
	page.Error = err.Error()
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Errorf("Start failed for user %s: %v", username, err)
		page.Error = "Could not start session"
	}
	c.HTML(code, "dashboard.html", page)
}

func (s *Server) cleanupPage(c *gin.Context) {
	removed := s.registry.CleanupStopped()
	c.Redirect(http.StatusSeeOther, fmt.Sprintf("/?cleaned=%d", len(removed)))
}

func (s *Server) lookupPage(c *gin.Context) {
	id := strings.ToUpper(strings.TrimSpace(c.Query("id")))
	if id != "" {
		if _, err := s.registry.Get(id); err == nil {
			c.Redirect(http.StatusSeeOther, "/sessions/"+url.PathEscape(id))
			return
		}
	}

	page := s.dashboardData(c)
	page.LookupID = id
	page.LookupError = "Session not found"
	c.HTML(http.StatusNotFound, "dashboard.html", page)
}

// --- Session view ---

func (s *Server) sessionPage(c *gin.Context) {
	_, username, _ := GetUser(c)
	id := strings.ToUpper(c.Param("id"))

	page := sessionView{Title: "Session " + id, Username: username, ID: id}
	info, err := s.registry.Get(id)
	if err != nil {
		c.HTML(http.StatusNotFound, "session.html", page)
		return
	}

	page.Found = true
	page.Session = info
	page.Logs = s.registry.Logs(id, pageLogLines)
	c.HTML(http.StatusOK, "session.html", page)
}

func (s *Server) stopPage(c *gin.Context) {
	id := strings.ToUpper(c.Param("id"))
	if err := s.registry.Stop(id); err != nil {
		c.HTML(statusFor(err), "session.html", sessionView{Title: "Session " + id, ID: id})
		return
	}
	c.Redirect(http.StatusSeeOther, safeNext(c.PostForm("next"), "/sessions/"+url.PathEscape(id)))
}

// safeNext only follows local redirect targets.
func safeNext(next, fallback string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return fallback
	}
	return next
}
