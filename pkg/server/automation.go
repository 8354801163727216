package server

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/entrhq/commentd/pkg/config"
	"github.com/entrhq/commentd/pkg/session"
	"github.com/entrhq/commentd/pkg/store"
	"github.com/entrhq/commentd/pkg/types"
)

// maxCommentsFile bounds uploaded comment lists.
const maxCommentsFile = 1 << 20

// validationError is a user-facing form error.
type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }

// Form messages shown by the dashboard
var (
	errNoCookies  = validationError{"Add cookies!"}
	errNoPostID   = validationError{"Add Post ID!"}
	errNoComments = validationError{"Add comments!"}
)

// checkStart applies the start form rules in the order the dashboard
// reports them.
func checkStart(req *types.StartRequest) error {
	req.PostID = strings.TrimSpace(req.PostID)
	req.Prefix = strings.TrimSpace(req.Prefix)
	req.Cookies = strings.TrimSpace(req.Cookies)

	switch {
	case req.Cookies == "":
		return errNoCookies
	case req.PostID == "":
		return errNoPostID
	case strings.TrimSpace(req.Comments) == "":
		return errNoComments
	case req.Delay < config.MinDelay || req.Delay > config.MaxDelay:
		return validationError{fmt.Sprintf("Delay must be between %d and %d seconds", config.MinDelay, config.MaxDelay)}
	}
	return nil
}

// readCommentsFile returns the text of an uploaded .txt comment list.
func readCommentsFile(fh *multipart.FileHeader) (string, error) {
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".txt") {
		return "", validationError{"Comments file must be a .txt file"}
	}
	if fh.Size > maxCommentsFile {
		return "", validationError{"Comments file is too large"}
	}

	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open comments file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxCommentsFile))
	if err != nil {
		return "", fmt.Errorf("failed to read comments file: %w", err)
	}
	return string(data), nil
}

// bindStart reads a start request from JSON, a urlencoded form or a
// multipart form with an optional comments_file upload.
func bindStart(c *gin.Context) (types.StartRequest, error) {
	req := types.StartRequest{Delay: config.DefaultDelay}
	if err := c.ShouldBind(&req); err != nil {
		return req, validationError{fmt.Sprintf("Invalid form: %v", err)}
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if fh, err := c.FormFile("comments_file"); err == nil && fh.Size > 0 {
			text, err := readCommentsFile(fh)
			if err != nil {
				return req, err
			}
			req.Comments = text
		}
	}
	return req, nil
}

// startAutomation saves the caller's settings and starts a session run.
func (s *Server) startAutomation(ctx context.Context, userID int64, username string, req types.StartRequest) (session.Info, error) {
	if err := checkStart(&req); err != nil {
		return session.Info{}, err
	}

	err := s.store.UpdateUserConfig(userID, store.UserConfig{
		PostID:        req.PostID,
		CommentPrefix: req.Prefix,
		Delay:         req.Delay,
		Cookies:       req.Cookies,
		Comments:      req.Comments,
	})
	if err != nil {
		s.logger.Warnf("Failed to save settings for user %d: %v", userID, err)
	}

	job := session.Job{
		Target:   req.PostID,
		Cookies:  req.Cookies,
		Comments: session.ParseComments(req.Comments, s.cfg.Automation.DefaultComment),
		Prefix:   req.Prefix,
		Delay:    time.Duration(req.Delay) * time.Second,
		Owner:    username,
		OwnerID:  userID,
	}
	// a rejected job must not leave an empty session behind
	if err := s.registry.Validate(job); err != nil {
		return session.Info{}, err
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = s.registry.Create().ID
	}
	if err := s.registry.Start(ctx, id, job); err != nil {
		return session.Info{}, err
	}

	if err := s.store.SetAutomationRunning(userID, true); err != nil {
		s.logger.Warnf("Failed to set automation flag for user %d: %v", userID, err)
	}
	s.logger.Infof("User %s started session %s on %s", username, strings.ToUpper(id), req.PostID)
	return s.registry.Get(id)
}
