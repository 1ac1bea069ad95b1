// Package api is the transport adapter: a REST control plane for session
// lifecycle plus one WebSocket streaming channel per session. It relays
// envelopes from a session's run to connected clients in exact production
// order and relays client commands back in.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/stepcast/stepcast/session"
)

type (
	// API mounts the gateway's HTTP surface over a session manager.
	API struct {
		mgr *session.Manager
		// wsBuffer sizes each connection's envelope channel.
		wsBuffer int
	}

	createSessionRequest struct {
		AgentType string `json:"agent_type" binding:"required"`
		MaxSteps  int    `json:"max_steps"`
	}

	createSessionResponse struct {
		SessionID string `json:"session_id"`
		AgentType string `json:"agent_type"`
	}
)

// defaultSocketBuffer bounds how far a session run can get ahead of a slow
// client before Send blocks the publisher.
const defaultSocketBuffer = 256

// New returns an API serving the manager's sessions.
func New(mgr *session.Manager) *API {
	return &API{mgr: mgr, wsBuffer: defaultSocketBuffer}
}

// Handler builds the HTTP handler. ctx carries the logger every request
// inherits.
func (a *API) Handler(ctx context.Context) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(ctx), cors.Default())

	r.GET("/healthz", gin.WrapF(health.Handler(health.NewChecker())))

	s := r.Group("/api/sessions")
	s.POST("", a.createSession)
	s.GET("", a.listSessions)
	s.GET("/:id", a.getSession)
	s.DELETE("/:id", a.deleteSession)
	s.GET("/:id/messages", a.getMessages)
	s.GET("/:id/ws", a.socket)
	return r
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_type is required"})
		return
	}
	sess, err := a.mgr.Create(c.Request.Context(), req.AgentType, req.MaxSteps)
	if err != nil {
		log.Error(c.Request.Context(), err, log.KV{K: "msg", V: "create session failed"})
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID: sess.ID(),
		AgentType: sess.Snapshot().AgentType,
	})
}

func (a *API) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.mgr.List()})
}

func (a *API) getSession(c *gin.Context) {
	sess, err := a.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// deleteSession is idempotent: deleting an unknown id succeeds.
func (a *API) deleteSession(c *gin.Context) {
	a.mgr.Remove(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (a *API) getMessages(c *gin.Context) {
	sess, err := a.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"messages": sess.Messages(limit)})
}

// requestLogger propagates the service logger into each request context and
// logs one line per completed request.
func requestLogger(logCtx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(log.WithContext(c.Request.Context(), logCtx))
		start := time.Now()
		c.Next()
		log.Printf(c.Request.Context(), "%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}
