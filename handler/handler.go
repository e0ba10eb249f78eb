// Package handler exposes the chat service over HTTP, both as an echo server
// and as an API Gateway Lambda handler.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echoadapter "github.com/awslabs/aws-lambda-go-api-proxy/echo"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"bedrock-chatbot/internal/domain"
	"bedrock-chatbot/internal/observability"
	"bedrock-chatbot/internal/ratelimit"
	"bedrock-chatbot/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	ctxKeyCorrelationID = "correlation_id"

	serviceName    = "aws-bedrock-chatbot"
	serviceVersion = "1.0.0"
)

type ChatUseCase interface {
	SendMessage(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	History(ctx context.Context, sessionID string) ([]domain.Turn, error)
	Session(ctx context.Context, sessionID string) (usecase.SessionSummary, error)
	Sessions(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListModels(ctx context.Context) (usecase.ModelCatalog, error)
	Region() string
}

type HealthChecker interface {
	Check(ctx context.Context) observability.HealthReport
}

type MetricsExporter interface {
	Middleware() echo.MiddlewareFunc
	Handler() http.Handler
}

type Handler struct {
	uc             ChatUseCase
	health         HealthChecker
	metrics        MetricsExporter
	limiter        *ratelimit.Limiter
	logger         *slog.Logger
	requestTimeout time.Duration
	now            func() time.Time
	echo           *echo.Echo
	proxy          *echoadapter.EchoLambda
}

// Option configures a Handler.
type Option func(*Handler)

func WithHealthChecker(hc HealthChecker) Option {
	return func(h *Handler) { h.health = hc }
}

func WithMetrics(m MetricsExporter) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRequestTimeout bounds the context of every request. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.requestTimeout = d }
}

func NewHandler(uc ChatUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{
		uc:     uc,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	h.echo = h.newEcho()
	h.proxy = echoadapter.New(h.echo)
	return h, nil
}

// Echo returns the configured router, ready to be started.
func (h *Handler) Echo() *echo.Echo {
	return h.echo
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.echo.ServeHTTP(w, r)
}

func (h *Handler) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.handleHTTPError

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		TargetHeader: headerCorrelationID,
		Generator:    uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			c.Set(ctxKeyCorrelationID, id)
		},
	}))
	if h.metrics != nil {
		e.Use(h.metrics.Middleware())
	}
	e.Use(h.requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if h.limiter != nil {
		e.Use(ratelimit.Middleware(h.limiter, func(c echo.Context) error {
			return writeError(c, http.StatusTooManyRequests, string(usecase.ErrorRateLimited), "client_rate_limited", "too many requests, slow down")
		}))
	}
	if h.requestTimeout > 0 {
		e.Use(middleware.ContextTimeout(h.requestTimeout))
	}

	h.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers the chat API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Root)
	e.POST("/chat", h.Chat)
	e.GET("/history/:session_id", h.History)
	e.GET("/session/:session_id", h.GetSession)
	e.DELETE("/session/:session_id", h.DeleteSession)
	e.GET("/sessions", h.ListSessions)
	e.POST("/models/list", h.ListModels)
	e.GET("/health", h.Health)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
	}
}

func (h *Handler) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"correlation_id", correlationID(c),
			}
			if v.Error != nil {
				attrs = append(attrs, "err", v.Error)
			}
			switch {
			case v.Status >= http.StatusInternalServerError:
				h.logger.Error("request failed", attrs...)
			case v.Status >= http.StatusBadRequest:
				h.logger.Warn("request rejected", attrs...)
			default:
				h.logger.Info("request completed", attrs...)
			}
			return nil
		},
	})
}

func correlationID(c echo.Context) string {
	if id, ok := c.Get(ctxKeyCorrelationID).(string); ok {
		return id
	}
	return c.Response().Header().Get(headerCorrelationID)
}
