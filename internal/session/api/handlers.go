// Package api exposes the HTTP control surface for session management.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/session/engine"
)

// Handler serves the /api routes.
type Handler struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(eng *engine.Engine, log *logger.Logger) *Handler {
	return &Handler{
		engine: eng,
		logger: log.WithComponent("api"),
	}
}

// RegisterRoutes mounts all API routes on the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)

	api := router.Group("/api")
	{
		api.GET("/agents", h.listAgents)
		api.POST("/agents", h.createAgent)
		api.GET("/agents/:id", h.getAgent)
		api.DELETE("/agents/:id", h.interruptAgent)

		test := api.Group("/test")
		{
			test.POST("/destroy-session/:id", h.destroySession)
			test.POST("/restart-engine", h.restartEngine)
		}
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": len(h.engine.ListActive()),
	})
}

func (h *Handler) listAgents(c *gin.Context) {
	summaries, err := h.engine.List()
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// createAgentRequest is the POST /api/agents body.
type createAgentRequest struct {
	ProjectPath     string `json:"projectPath" binding:"required"`
	ResumeSessionID string `json:"resumeSessionId"`
	Model           string `json:"model"`
}

func (h *Handler) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.engine.Create(c.Request.Context(), req.ProjectPath, req.Model, req.ResumeSessionID)
	if err != nil {
		h.logger.Error("Failed to create session",
			zap.String("project_path", req.ProjectPath), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, summary)
}

func (h *Handler) getAgent(c *gin.Context) {
	summary, err := h.engine.Get(c.Param("id"))
	if err != nil {
		if err == engine.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// interruptAgent soft-cancels the in-flight turn; the session survives.
func (h *Handler) interruptAgent(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Interrupt(c.Request.Context(), id); err != nil {
		if err == engine.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("Failed to interrupt session",
			zap.String("session_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// destroySession hard-destroys the session including its on-disk state.
func (h *Handler) destroySession(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Destroy(c.Request.Context(), id, true); err != nil {
		if err == engine.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("Failed to destroy session",
			zap.String("session_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// restartEngine gracefully stops all session work and reconciles from
// scratch, as a server restart would.
func (h *Handler) restartEngine(c *gin.Context) {
	h.engine.Stop()
	if err := h.engine.Reconcile(c.Request.Context()); err != nil {
		h.logger.Error("Reconcile after restart failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
