package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/entrhq/commentd/pkg/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	statusPeriod = 5 * time.Second
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
}

// checkOrigin accepts same-host requests and the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// streamLogs handles GET /api/v1/sessions/:id/logs/ws. The stream starts
// with the recent backlog, then pushes every new line and a periodic status
// event. It ends once the session stops.
func (s *Server) streamLogs(c *gin.Context) {
	id := strings.ToUpper(c.Param("id"))
	if _, err := s.registry.Get(id); err != nil {
		s.fail(c, err)
		return
	}

	backlog, lines, unsubscribe, err := s.registry.SubscribeWithBacklog(id, s.cfg.Automation.MaxLogs)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	s.logger.Debugf("Log stream opened for session %s", id)
	defer s.logger.Debugf("Log stream closed for session %s", id)

	// Read pump: only control frames are expected, it detects disconnects.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debugf("WebSocket error: %v", err)
				}
				return
			}
		}
	}()

	send := func(e types.StreamEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(e) == nil
	}

	for _, line := range backlog {
		if !send(types.NewLogLineEvent(id, line)) {
			return
		}
	}
	if !s.sendStatus(id, send) {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	status := time.NewTicker(statusPeriod)
	defer status.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case line, ok := <-lines:
			if !ok || !send(types.NewLogLineEvent(id, line)) {
				return
			}
		case <-status.C:
			if !s.sendStatus(id, send) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendStatus pushes the session status and reports whether the stream
// should continue.
func (s *Server) sendStatus(id string, send func(types.StreamEvent) bool) bool {
	info, err := s.registry.Get(id)
	if err != nil {
		send(types.NewErrorEvent(id, err))
		return false
	}
	e := types.NewStatusEvent(id, info.Running, info.Count)
	return send(e) && !e.IsTerminal()
}
