package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/orchestrator"
)

// messageRequest is the body of a conversational turn.
type messageRequest struct {
	Text     string `json:"text" binding:"required"`
	OriginID int64  `json:"origin_id"`
}

// messageResponse carries the reply to one turn.
type messageResponse struct {
	ThreadID string `json:"thread_id"`
	Reply    string `json:"reply"`
}

// subtaskRequest is the body of a subtask spawn.
type subtaskRequest struct {
	Task       string `json:"task" binding:"required"`
	TimeoutSec int    `json:"timeout_sec" binding:"gte=0"`
}

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, o *orchestrator.Orchestrator) {
	api := router.Group("/api")

	api.GET("/status", handleStatus(o))
	api.POST("/cleanup", handleCleanup(o))
	api.POST("/workers/:id/kill", handleKillWorker(o))

	api.GET("/threads", handleListThreads(o))
	api.GET("/threads/:id", handleGetThread(o))
	api.DELETE("/threads/:id", handleDeleteThread(o))
	api.POST("/threads/:id/messages", handleMessage(o))
	api.POST("/threads/:id/stream", handleStream(o))
	api.POST("/threads/:id/subtasks", handleSpawnSubtask(o))

	api.GET("/subtasks", handleListSubtasks(o))
	api.GET("/subtasks/:id", handleGetSubtask(o))
}

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func handleStatus(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := o.Status(c.Request.Context())
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func handleCleanup(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := o.Cleanup()
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"killed": n})
	}
}

func handleKillWorker(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !o.KillWorker(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live worker", "thread_id": id})
			return
		}
		c.JSON(http.StatusOK, gin.H{"killed": true, "thread_id": id})
	}
}

func handleListThreads(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := o.ListThreads(c.Request.Context())
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		active := o.ActiveThreads()
		if active == nil {
			active = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"threads": ids, "active": active})
	}
}

func handleGetThread(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		th, err := o.Thread(c.Request.Context(), c.Param("id"))
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		if th == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		c.JSON(http.StatusOK, th)
	}
}

func handleDeleteThread(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := o.DeleteThread(c.Request.Context(), c.Param("id"))
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleMessage(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		id := c.Param("id")
		reply := o.HandleMessage(c.Request.Context(), req.OriginID, id, req.Text)
		c.JSON(http.StatusOK, messageResponse{ThreadID: id, Reply: reply})
	}
}

func handleSpawnSubtask(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subtaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		st, err := o.Subtasks().Spawn(c.Param("id"), req.Task, time.Duration(req.TimeoutSec)*time.Second)
		switch {
		case errors.Is(err, orchestrator.ErrShuttingDown):
			errorJSON(c, http.StatusServiceUnavailable, err)
		case errors.Is(err, orchestrator.ErrTooManySubtasks):
			errorJSON(c, http.StatusTooManyRequests, err)
		case err != nil:
			errorJSON(c, http.StatusBadRequest, err)
		default:
			c.JSON(http.StatusAccepted, st)
		}
	}
}

func handleListSubtasks(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subtasks": o.Subtasks().List()})
	}
}

func handleGetSubtask(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, ok := o.Subtasks().Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "subtask not found"})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}
