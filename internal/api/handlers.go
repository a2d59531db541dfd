// Package api contains the HTTP handlers of the analytics agent.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"analytics-agent/backend/internal/config"
	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/repository"
	"analytics-agent/backend/internal/services"
	"analytics-agent/backend/internal/stream"
	"analytics-agent/backend/internal/workflow"
	"analytics-agent/backend/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

const internalErrorMessage = "Internal server error"

// ChatService is the application layer behind the handlers.
type ChatService interface {
	Ask(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
	Stream(ctx context.Context, req models.ChatRequest) (string, <-chan workflow.Event, error)
	Runs(ctx context.Context, limit int) ([]*models.RunRecord, error)
	Run(ctx context.Context, runID string) (*models.RunRecord, error)
}

// Handler contains HTTP handlers for the chat REST API
type Handler struct {
	chat   ChatService
	cfg    *config.Config
	logger *logging.Logger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(chat ChatService, cfg *config.Config, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{chat: chat, cfg: cfg, logger: logger}
}

// Register mounts the routes under /api. protect guards the chat and run
// routes; health and config stay public.
func (h *Handler) Register(e *echo.Echo, protect echo.MiddlewareFunc) {
	g := e.Group("/api")
	g.GET("/health", h.HandleHealth)
	g.GET("/config", h.HandleConfig)

	chat := g.Group("", protect)
	chat.POST("/chat", h.HandleChat)
	chat.POST("/chat/sync", h.HandleChatSync)
	chat.GET("/runs", h.HandleListRuns)
	chat.GET("/runs/:id", h.HandleGetRun)

	e.GET("/openapi.yaml", HandleSpec)
}

// HandleHealth returns basic health status (always returns 200 OK)
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthStatus{
		Status:      "healthy",
		Version:     Version,
		Environment: h.cfg.Environment,
		Model:       h.cfg.LLM.Model,
		Timestamp:   time.Now().UTC(),
	})
}

// HandleConfig returns the non-sensitive configuration.
func (h *Handler) HandleConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, models.PublicConfig{
		MaxIterations:     h.cfg.Agent.MaxIterations,
		MaxRows:           h.cfg.Agent.MaxRows,
		HeartbeatInterval: h.cfg.Stream.HeartbeatInterval,
		Environment:       h.cfg.Environment,
	})
}

func bindChat(c echo.Context) (models.ChatRequest, error) {
	var req models.ChatRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := services.Validate(req); err != nil {
		return req, echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return req, nil
}

// HandleChat streams a run as server-sent events
// (POST /api/chat)
func (h *Handler) HandleChat(c echo.Context) error {
	req, err := bindChat(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	runID, events, err := h.chat.Stream(ctx, req)
	if err != nil {
		return h.internalError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, stream.ContentType)
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set("X-Run-ID", runID)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	if h.cfg.IsProduction() {
		events = redactErrors(ctx, events)
	}
	if err := stream.Relay(ctx, res, events, h.cfg.HeartbeatInterval(), h.logger); err != nil {
		// The response is committed; the caller went away or the write failed.
		h.logger.Warn("chat stream ended early", "run_id", runID, "error", err)
	}
	return nil
}

// HandleChatSync runs the workflow to completion
// (POST /api/chat/sync)
func (h *Handler) HandleChatSync(c echo.Context) error {
	req, err := bindChat(c)
	if err != nil {
		return err
	}

	resp, err := h.chat.Ask(c.Request().Context(), req)
	if err != nil {
		return h.internalError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleListRuns returns the most recent runs
// (GET /api/runs?limit=)
func (h *Handler) HandleListRuns(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	runs, err := h.chat.Runs(c.Request().Context(), limit)
	if err != nil {
		return h.internalError(c, err)
	}
	return c.JSON(http.StatusOK, runs)
}

// HandleGetRun returns one run
// (GET /api/runs/:id)
func (h *Handler) HandleGetRun(c echo.Context) error {
	run, err := h.chat.Run(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return h.internalError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// redactErrors forwards src, replacing the text of error events with a
// generic message. The error type is kept.
func redactErrors(ctx context.Context, src <-chan workflow.Event) <-chan workflow.Event {
	out := make(chan workflow.Event)
	go func() {
		defer close(out)
		for e := range src {
			if d, ok := e.Data.(workflow.ErrorData); ok {
				e = workflow.ErrorEvent(internalErrorMessage, d.Type)
			}
			select {
			case out <- e:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

// internalError logs err and returns a generic 500. The error text is only
// exposed outside production.
func (h *Handler) internalError(c echo.Context, err error) error {
	h.logger.Error("request failed", "path", c.Path(), "error", err)
	body := models.ErrorResponse{Success: false, Error: internalErrorMessage}
	if !h.cfg.IsProduction() {
		body.Detail = err.Error()
	}
	return c.JSON(http.StatusInternalServerError, body)
}
