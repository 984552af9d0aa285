package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/app"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/ports"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Timestamp  time.Time               `json:"timestamp"`
	Uptime     string                  `json:"uptime"`
	Components []ports.ComponentHealth `json:"components,omitempty"`
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type conversationList struct {
	Conversations []conversation.Conversation `json:"conversations"`
}

type runList struct {
	Runs []conversation.Run `json:"runs"`
}

// APIHandler serves the REST surface.
type APIHandler struct {
	coordinator *app.Coordinator
	health      ports.HealthChecker
	version     string
	startedAt   time.Time
	logger      logging.Logger
}

func NewAPIHandler(coordinator *app.Coordinator, health ports.HealthChecker, version string, logger logging.Logger) *APIHandler {
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	return &APIHandler{
		coordinator: coordinator,
		health:      health,
		version:     version,
		startedAt:   time.Now(),
		logger:      logging.OrNop(logger),
	}
}

func (h *APIHandler) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK
	if h.health != nil {
		resp.Components = h.health.CheckAll(c.Request.Context())
		switch app.Overall(resp.Components) {
		case ports.HealthStatusError:
			resp.Status = "error"
			status = http.StatusServiceUnavailable
		case ports.HealthStatusNotReady:
			resp.Status = "degraded"
		}
	}
	c.JSON(status, resp)
}

func (h *APIHandler) HandleListConversations(c *gin.Context) {
	limit, ok := h.queryLimit(c)
	if !ok {
		return
	}
	convs, err := h.coordinator.ListConversations(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	c.JSON(http.StatusOK, conversationList{Conversations: convs})
}

func (h *APIHandler) HandleCreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(c, app.ValidationError("invalid request body"))
		return
	}
	conv, err := h.coordinator.CreateConversation(c.Request.Context(), req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *APIHandler) HandleGetConversation(c *gin.Context) {
	conv, err := h.coordinator.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *APIHandler) HandleDeleteConversation(c *gin.Context) {
	if err := h.coordinator.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandler) HandleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.coordinator.ListAgents()})
}

func (h *APIHandler) HandleGetAgent(c *gin.Context) {
	w, err := h.coordinator.GetAgent(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *APIHandler) HandleListRuns(c *gin.Context) {
	limit, ok := h.queryLimit(c)
	if !ok {
		return
	}
	runs, err := h.coordinator.ListRuns(c.Request.Context(), conversation.RunFilter{
		Limit:          limit,
		Status:         conversation.RunStatus(strings.TrimSpace(c.Query("status"))),
		ConversationID: strings.TrimSpace(c.Query("conversationId")),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []conversation.Run{}
	}
	c.JSON(http.StatusOK, runList{Runs: runs})
}

func (h *APIHandler) HandleGetRun(c *gin.Context) {
	run, err := h.coordinator.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *APIHandler) queryLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return conversation.DefaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		h.writeError(c, app.ValidationError("limit must be a positive integer"))
		return 0, false
	}
	return limit, true
}

func (h *APIHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("HTTP %d - %s %s: %v", status, c.Request.Method, c.FullPath(), err)
	} else {
		h.logger.Warn("HTTP %d - %s %s: %v", status, c.Request.Method, c.FullPath(), err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: publicMessage(err, status)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal error detail from clients.
func publicMessage(err error, status int) string {
	if status == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}
