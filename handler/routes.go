package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"bedrock-chatbot/internal/domain"
	"bedrock-chatbot/internal/observability"
	"bedrock-chatbot/internal/usecase"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	ModelID   string `json:"model_id"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Region    string `json:"region"`
	Timestamp string `json:"timestamp"`
}

type historyItem struct {
	Timestamp string `json:"timestamp"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
}

type sessionInfo struct {
	SessionID    string `json:"session_id"`
	Region       string `json:"region"`
	Model        string `json:"model"`
	UserMessages int    `json:"user_messages"`
	AIMessages   int    `json:"ai_messages"`
	CreatedAt    string `json:"created_at"`
}

type statusResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type modelsResponse struct {
	Models         []domain.ModelInfo `json:"models"`
	Count          int                `json:"count"`
	CurrentDefault string             `json:"current_default"`
	Note           string             `json:"note"`
}

type healthResponse struct {
	Status    string                               `json:"status"`
	Service   string                               `json:"service"`
	Version   string                               `json:"version"`
	AWSRegion string                               `json:"aws_region"`
	Timestamp string                               `json:"timestamp"`
	Checks    map[string]observability.CheckStatus `json:"checks,omitempty"`
}

type rootResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Health    string            `json:"health"`
	Endpoints map[string]string `json:"endpoints"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Root describes the service and its endpoints.
func (h *Handler) Root(c echo.Context) error {
	endpoints := map[string]string{
		"chat":           "POST /chat",
		"history":        "GET /history/{session_id}",
		"session":        "GET /session/{session_id}",
		"delete_session": "DELETE /session/{session_id}",
		"sessions":       "GET /sessions",
		"models":         "POST /models/list",
	}
	if h.metrics != nil {
		endpoints["metrics"] = "GET /metrics"
	}
	return c.JSON(http.StatusOK, rootResponse{
		Service:   "AWS Bedrock Chatbot API",
		Version:   serviceVersion,
		Health:    "/health",
		Endpoints: endpoints,
	})
}

// Chat sends one message and returns the assistant's reply.
func (h *Handler) Chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body", "request body must be a JSON object")
	}
	out, err := h.uc.SendMessage(c.Request().Context(), usecase.ChatInput{
		Message:   req.Message,
		SessionID: req.SessionID,
		ModelID:   req.ModelID,
	})
	if err != nil {
		return h.writeUseCaseError(c, err)
	}
	return c.JSON(http.StatusOK, chatResponse{
		Response:  out.Reply,
		SessionID: out.SessionID,
		Model:     out.Model,
		Region:    out.Region,
		Timestamp: formatTime(out.Timestamp),
	})
}

// History returns the persisted turns of a session.
func (h *Handler) History(c echo.Context) error {
	turns, err := h.uc.History(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return h.writeUseCaseError(c, err)
	}
	items := make([]historyItem, 0, len(turns))
	for _, t := range turns {
		items = append(items, historyItem{
			Timestamp: formatTime(t.Timestamp),
			Role:      t.Role,
			Content:   t.Content,
			MessageID: t.MessageID,
		})
	}
	return c.JSON(http.StatusOK, items)
}

// GetSession summarizes a live session.
func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.uc.Session(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return h.writeUseCaseError(c, err)
	}
	return c.JSON(http.StatusOK, sessionInfo{
		SessionID:    s.ID,
		Region:       s.Region,
		Model:        s.Model,
		UserMessages: s.UserMessages,
		AIMessages:   s.AssistantMessages,
		CreatedAt:    formatTime(s.CreatedAt),
	})
}

// DeleteSession drops a live session; its history stays persisted.
func (h *Handler) DeleteSession(c echo.Context) error {
	id := c.Param("session_id")
	if err := h.uc.DeleteSession(c.Request().Context(), id); err != nil {
		return h.writeUseCaseError(c, err)
	}
	return c.JSON(http.StatusOK, statusResponse{
		Message: "Session " + id + " deleted",
		Status:  "success",
	})
}

func (h *Handler) ListSessions(c echo.Context) error {
	ids, err := h.uc.Sessions(c.Request().Context())
	if err != nil {
		return h.writeUseCaseError(c, err)
	}
	return c.JSON(http.StatusOK, ids)
}

func (h *Handler) ListModels(c echo.Context) error {
	catalog, err := h.uc.ListModels(c.Request().Context())
	if err != nil {
		return h.writeUseCaseError(c, err)
	}
	models := catalog.Models
	if models == nil {
		models = []domain.ModelInfo{}
	}
	return c.JSON(http.StatusOK, modelsResponse{
		Models:         models,
		Count:          catalog.Count,
		CurrentDefault: catalog.CurrentDefault,
		Note:           catalog.Note,
	})
}

// Health reports liveness plus the state of backing services.
func (h *Handler) Health(c echo.Context) error {
	resp := healthResponse{
		Status:    string(observability.HealthStatusHealthy),
		Service:   serviceName,
		Version:   serviceVersion,
		AWSRegion: h.uc.Region(),
		Timestamp: formatTime(h.now()),
	}
	status := http.StatusOK
	if h.health != nil {
		report := h.health.Check(c.Request().Context())
		resp.Status = string(report.Status)
		resp.Checks = report.Checks
		if report.Status == observability.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	return c.JSON(status, resp)
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorSessionNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorModelInvocation:
		return http.StatusBadGateway
	case usecase.ErrorPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(e *usecase.Error) string {
	switch e.Code {
	case usecase.ErrorInvalidInput:
		return "the request is invalid: " + e.Reason
	case usecase.ErrorSessionNotFound:
		return "session not found"
	case usecase.ErrorModelInvocation, usecase.ErrorRateLimited:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "the model could not be invoked"
	case usecase.ErrorPersistence:
		return "conversation store is unavailable"
	default:
		return "an unexpected error occurred"
	}
}

func (h *Handler) writeUseCaseError(c echo.Context, err error) error {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error("unexpected handler error", "err", err, "correlation_id", correlationID(c))
		return writeError(c, http.StatusInternalServerError, string(usecase.ErrorInternal), "unexpected_error", "an unexpected error occurred")
	}
	status := statusForCode(ucErr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err, "correlation_id", correlationID(c))
	}
	return writeError(c, status, string(ucErr.Code), ucErr.Reason, messageFor(ucErr))
}

func writeError(c echo.Context, status int, code, reason, message string) error {
	return c.JSON(status, errorResponse{Error: code, Reason: reason, Message: message})
}

// handleHTTPError renders framework errors such as unknown routes in the
// same shape as use case errors.
func (h *Handler) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		h.logger.Error("unhandled error", "err", err, "correlation_id", correlationID(c))
		_ = writeError(c, http.StatusInternalServerError, string(usecase.ErrorInternal), "unexpected_error", "an unexpected error occurred")
		return
	}

	code, reason := string(usecase.ErrorInternal), "unexpected_error"
	switch he.Code {
	case http.StatusNotFound:
		code, reason = "NOT_FOUND", "route_not_found"
	case http.StatusMethodNotAllowed:
		code, reason = "METHOD_NOT_ALLOWED", "method_not_allowed"
	case http.StatusServiceUnavailable:
		code, reason = string(usecase.ErrorInternal), "request_timeout"
	case http.StatusTooManyRequests:
		code, reason = string(usecase.ErrorRateLimited), "client_rate_limited"
	default:
		if he.Code < http.StatusInternalServerError {
			code, reason = string(usecase.ErrorInvalidInput), "bad_request"
		}
	}
	message := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok && m != "" {
		message = m
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(he.Code)
		return
	}
	_ = writeError(c, he.Code, code, reason, message)
}
