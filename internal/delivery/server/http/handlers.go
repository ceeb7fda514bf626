package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/walkerhughes/agent-sandboxing/internal/app/delivery"
	"github.com/walkerhughes/agent-sandboxing/internal/app/webhook"
	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type handler struct {
	tasks           TaskService
	webhooks        WebhookIngestor
	streams         delivery.Source
	metrics         *observability.Metrics
	tracer          *observability.TracerProvider
	logger          logging.Logger
	heartbeat       time.Duration
	maxWebhookBytes int64
	upgrader        websocket.Upgrader
}

type startRequest struct {
	ChatSessionID string `json:"chatSessionId"`
	Prompt        string `json:"prompt" binding:"required"`
}

type respondRequest struct {
	Response string `json:"response" binding:"required"`
}

type taskListResponse struct {
	Tasks []task.Task `json:"tasks"`
}

type webhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

func (h *handler) health(c *gin.Context) {
	if err := h.tasks.Ping(c.Request.Context()); err != nil {
		logging.FromContext(c.Request.Context(), h.logger).Warn("[HTTP] health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) startTask(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, task.InvalidInputError("prompt is required"))
		return
	}
	ctx := c.Request.Context()
	if req.ChatSessionID != "" {
		ctx = id.WithSessionID(ctx, req.ChatSessionID)
	}
	started, err := h.tasks.Start(ctx, req.ChatSessionID, req.Prompt)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, started)
}

func (h *handler) getTask(c *gin.Context) {
	taskID := c.Param("id")
	t, err := h.tasks.GetTask(id.WithTaskID(c.Request.Context(), taskID), taskID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, task.InvalidInputError("response is required"))
		return
	}
	taskID := c.Param("id")
	t, err := h.tasks.SubmitResponse(id.WithTaskID(c.Request.Context(), taskID), taskID, req.Response)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) cancel(c *gin.Context) {
	taskID := c.Param("id")
	t, err := h.tasks.Cancel(id.WithTaskID(c.Request.Context(), taskID), taskID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) listSessionTasks(c *gin.Context) {
	sessionID := c.Param("id")
	statuses, err := parseStatuses(c.Query("status"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, h.logger, task.InvalidInputError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	tasks, err := h.tasks.ListSessionTasks(id.WithSessionID(c.Request.Context(), sessionID), sessionID, statuses, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	c.JSON(http.StatusOK, taskListResponse{Tasks: tasks})
}

func parseStatuses(raw string) ([]task.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []task.Status
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		status, err := task.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// ingestWebhook acknowledges with 200 whenever the event was applied or
// safely ignored. Any other reply makes the worker retry.
func (h *handler) ingestWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		writeError(c, h.logger, task.BadRequestError("unreadable body"))
		return
	}

	outcome, err := h.webhooks.Ingest(c.Request.Context(), body, c.GetHeader(webhook.SignatureHeader))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, webhookAck{Received: true, Outcome: string(outcome)})
}
