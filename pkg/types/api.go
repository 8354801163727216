// Package types holds the request and response bodies of the commentd JSON
// API and the events of the session log stream.
package types

import "time"

// Common response types

type ErrorResponse struct {
	Error string `json:"error"`
}

// Auth types

type LoginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

type SignupRequest struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
	Confirm  string `form:"confirm"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Automation types

// StartRequest starts a session. Delay is in seconds. When SessionID is
// empty a new session is created.
type StartRequest struct {
	SessionID string `json:"session_id" form:"session_id"`
	PostID    string `json:"post_id" form:"post_id"`
	Prefix    string `json:"prefix" form:"prefix"`
	Delay     int    `json:"delay" form:"delay,default=30" binding:"min=10,max=3600"`
	Cookies   string `json:"cookies" form:"cookies"`
	Comments  string `json:"comments" form:"comments"`
}

// ConfigRequest replaces the caller's saved automation settings.
type ConfigRequest struct {
	PostID        string `json:"post_id"`
	CommentPrefix string `json:"comment_prefix"`
	Delay         int    `json:"delay" binding:"min=10,max=3600"`
	Cookies       string `json:"cookies"`
	Comments      string `json:"comments"`
}

type StatusResponse struct {
	MemoryMB          float64   `json:"memory_mb"`
	Uptime            float64   `json:"uptime"`
	SinceHeartbeat    float64   `json:"since_heartbeat"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	Running           bool      `json:"running"`
	Cleanups          int       `json:"cleanups"`
	TotalComments     int       `json:"total_comments"`
	ActiveSessions    int       `json:"active_sessions"`
	Sessions          int       `json:"sessions"`
	AutomationRunning bool      `json:"automation_running"`
}
