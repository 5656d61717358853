// Package api provides the HTTP control API for running and inspecting
// workers.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperr "github.com/kandev/acprunner/internal/common/errors"
	"github.com/kandev/acprunner/internal/common/httpmw"
	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/events/bus"
	"github.com/kandev/acprunner/internal/worker/lifecycle"
)

const serverName = "acprunner-api"

// Server exposes the worker manager over HTTP.
type Server struct {
	// ctx parents every worker started through the API; cancelling it
	// kills them.
	ctx      context.Context
	manager  *lifecycle.Manager
	eventBus bus.EventBus
	logger   *logger.Logger
	router   *gin.Engine
}

// NewServer creates the control API. eventBus may be nil, which disables
// streaming.
func NewServer(ctx context.Context, manager *lifecycle.Manager, eventBus bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if log == nil {
		log = logger.NewNop()
	}

	s := &Server{
		ctx:      ctx,
		manager:  manager,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "api-server")),
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.OtelTracing(serverName))
	s.router.Use(httpmw.RequestLogger(s.logger, serverName))
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler for the server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	api.GET("/workers", s.handleListWorkers)
	api.POST("/workers", s.handleStartWorker)
	api.DELETE("/workers", s.handleKillAll)
	api.GET("/workers/:id", s.handleGetWorker)
	api.DELETE("/workers/:id", s.handleKillWorker)
	api.GET("/workers/:id/stream", s.handleStreamWorker)
}

// writeError renders err as {"error": AppError}. Errors that are not an
// AppError are reported as internal errors.
func writeError(c *gin.Context, err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		appErr = apperr.Wrap(err, "internal error")
	}
	c.JSON(apperr.GetHTTPStatus(appErr), gin.H{"error": appErr})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"workers":   len(s.manager.List()),
	})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	workers := s.manager.List()
	c.JSON(http.StatusOK, WorkerListResponse{Workers: workers, Total: len(workers)})
}

func (s *Server) handleStartWorker(c *gin.Context) {
	var req StartWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := req.Task.Validate(); err != nil {
		writeError(c, apperr.ValidationError("task", err.Error()))
		return
	}

	session, err := s.manager.Start(s.ctx, req.Task, 0)
	if err != nil {
		if errors.Is(err, lifecycle.ErrManagerClosed) {
			writeError(c, apperr.ServiceUnavailable("workers", err))
			return
		}
		s.logger.Error("failed to start worker", zap.Error(err))
		writeError(c, apperr.Wrap(err, "failed to start worker"))
		return
	}

	if req.Wait {
		result, err := session.Wait(c.Request.Context())
		if err == nil {
			c.JSON(http.StatusOK, result)
			return
		}
		// Client went away; the worker keeps running.
	}
	c.JSON(http.StatusAccepted, StartWorkerResponse{WorkerID: session.ID, Status: session.Status()})
}

func (s *Server) handleGetWorker(c *gin.Context) {
	id := c.Param("id")
	snap, err := s.manager.Snapshot(id)
	if errors.Is(err, lifecycle.ErrWorkerNotFound) {
		writeError(c, apperr.NotFound("worker", id))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleKillWorker(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.manager.Get(id); !ok {
		writeError(c, apperr.NotFound("worker", id))
		return
	}
	killed := 0
	if s.manager.KillWorker(id) {
		killed = 1
	}
	c.JSON(http.StatusOK, KillResponse{Killed: killed})
}

func (s *Server) handleKillAll(c *gin.Context) {
	c.JSON(http.StatusOK, KillResponse{Killed: s.manager.KillAll()})
}
