// Package bridge implements the Bridge Server: the loopback HTTP surface
// workers call back into to deliver task output chunks and lifecycle events,
// plus an optional diagnostics WebSocket for external observers.
package bridge

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agentcore/core/internal/common/httpmw"
	"github.com/agentcore/core/internal/common/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ChunkHandler receives a single streamed task output chunk from a worker.
type ChunkHandler func(workerID, taskID string, chunk []byte, final bool) error

// EventHandler receives a lifecycle event posted by a worker (status
// transitions, tool-permission prompts, errors).
type EventHandler func(workerID string, eventType string, payload map[string]interface{}) error

// Config configures the Bridge Server.
type Config struct {
	Host           string
	Port           int
	Token          string
	RequestTimeout time.Duration
	Diagnostics    bool
}

// Server is the Bridge's HTTP/WebSocket surface, bound to loopback.
type Server struct {
	cfg    Config
	log    *logger.Logger
	router *gin.Engine
	srv    *http.Server

	onChunk ChunkHandler
	onEvent EventHandler

	diagnostics *diagnosticsHub
	upgrader    websocket.Upgrader
}

// New creates a Bridge Server. onChunk and onEvent route incoming worker
// traffic to the Task Manager.
func New(cfg Config, onChunk ChunkHandler, onEvent EventHandler, log *logger.Logger) *Server {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "bridge-server")),
		router:  gin.New(),
		onChunk: onChunk,
		onEvent: onEvent,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if cfg.Diagnostics {
		s.diagnostics = newDiagnosticsHub(s.log)
	}

	s.router.Use(httpmw.OtelTracing("bridge"))
	s.router.Use(httpmw.RequestLogger(s.log, "bridge"))
	s.router.Use(s.authenticate)
	s.router.Use(s.withTimeout)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	v1 := s.router.Group("/v1")
	{
		v1.POST("/stream/chunk", s.handleChunk)
		v1.POST("/events", s.handleEvent)
		if s.cfg.Diagnostics {
			v1.GET("/diagnostics/stream", s.handleDiagnosticsStream)
		}
	}
}

// authenticate enforces the per-orchestrator bearer token on every request
// except the plain health check, using a constant-time comparison so token
// length/content cannot be inferred from response timing. An empty
// configured token disables the check.
func (s *Server) authenticate(c *gin.Context) {
	if c.Request.URL.Path == "/healthz" {
		c.Next()
		return
	}
	if s.cfg.Token == "" {
		c.Next()
		return
	}

	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if len(header) < len(prefix) || header[:len(prefix)] != prefix {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	presented := header[len(prefix):]
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Next()
}

// withTimeout bounds request handling to cfg.RequestTimeout (spec §4.7's
// 10s default) by attaching a deadline to the request context. If the
// deadline has passed when the handler returns without having written a
// response, it replies 408.
func (s *Server) withTimeout(c *gin.Context) {
	if c.Request.URL.Path == "/healthz" {
		c.Next()
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()
	c.Request = c.Request.WithContext(ctx)
	c.Next()
	if ctx.Err() == context.DeadlineExceeded && !c.Writer.Written() {
		c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{"success": false, "error": "request timeout"})
	}
}

// TaskID is optional: Manager.resolveTask falls back to the worker's
// currently-assigned task when a chunk omits it (spec §4.7, jobId?).
type chunkRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
	TaskID   string `json:"taskId"`
	Chunk    string `json:"chunk"`
	Final    bool   `json:"final"`
}

func (s *Server) handleChunk(c *gin.Context) {
	var req chunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if s.onChunk != nil {
		if err := s.onChunk(req.WorkerID, req.TaskID, []byte(req.Chunk), req.Final); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	if s.diagnostics != nil {
		s.diagnostics.broadcast(diagnosticsEvent{Type: "chunk", WorkerID: req.WorkerID, TaskID: req.TaskID, Final: req.Final})
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type eventRequest struct {
	WorkerID string                 `json:"workerId" binding:"required"`
	Type     string                 `json:"type" binding:"required"`
	Payload  map[string]interface{} `json:"payload"`
}

func (s *Server) handleEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if s.onEvent != nil {
		if err := s.onEvent(req.WorkerID, req.Type, req.Payload); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	if s.diagnostics != nil {
		s.diagnostics.broadcast(diagnosticsEvent{Type: req.Type, WorkerID: req.WorkerID})
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDiagnosticsStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("diagnostics websocket upgrade failed", zap.Error(err))
		return
	}
	s.diagnostics.serve(conn)
}

// Start begins serving on cfg.Host:cfg.Port, bound to loopback. It blocks
// until the listener is closed (by Shutdown) or fails.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:    net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler: s.router,
	}
	s.log.Info("bridge server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to timeout for in-flight
// requests to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.diagnostics != nil {
		s.diagnostics.closeAll()
	}
	return s.srv.Shutdown(ctx)
}
