// Package server exposes the room websocket and a small HTTP surface for
// health checks and room inspection.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/choonkeat/codecollab/internal/hub"
	"github.com/choonkeat/codecollab/internal/roster"
	"github.com/choonkeat/codecollab/internal/terminal"
)

const (
	PathWS     = "/ws"
	PathHealth = "/healthz"
	PathRoom   = "/rooms/:room"
)

// TerminalInfo reports the state of a room's shell.
type TerminalInfo interface {
	Info(room string) (terminal.Info, bool)
}

// RoomView is the body of GET /rooms/:room.
type RoomView struct {
	Room     string          `json:"room"`
	Roster   []roster.Member `json:"roster"`
	Members  int             `json:"members"`
	Terminal *terminal.Info  `json:"terminal"`
}

type handlers struct {
	hub     *hub.Hub
	tracker *roster.Tracker
	terms   TerminalInfo
}

// New builds the HTTP router. terms may be nil when terminals are disabled.
func New(h *hub.Hub, tracker *roster.Tracker, terms TerminalInfo, logger *zap.Logger) http.Handler {
	x := &handlers{hub: h, tracker: tracker, terms: terms}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog(logger))

	r.GET(PathHealth, x.health)
	r.GET(PathRoom, x.room)
	r.GET(PathWS, x.ws)

	return r
}

func (x *handlers) ws(c *gin.Context) {
	x.hub.ServeWS(c.Writer, c.Request)
}

func (x *handlers) health(c *gin.Context) {
	status := "ok"
	if x.hub.Degraded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"connections": x.hub.ConnectionCount(),
	})
}

func (x *handlers) room(c *gin.Context) {
	room := c.Param("room")
	members := x.tracker.Roster(room)
	view := RoomView{Room: room, Roster: members, Members: len(members)}
	if x.terms != nil {
		if info, ok := x.terms.Info(room); ok {
			view.Terminal = &info
		}
	}
	c.JSON(http.StatusOK, view)
}

// accessLog logs each request once it completes. The websocket route is
// logged when the connection closes.
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
