// Package http exposes the task API, the worker webhook and the observer
// streams over gin.
package http

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walkerhughes/agent-sandboxing/internal/app/delivery"
	"github.com/walkerhughes/agent-sandboxing/internal/app/orchestrator"
	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

const (
	defaultHeartbeat       = 15 * time.Second
	defaultMaxWebhookBytes = 1 << 20
)

// TaskService is the state machine surface the API drives.
// *orchestrator.Orchestrator satisfies it.
type TaskService interface {
	Start(ctx context.Context, chatSessionID, prompt string) (orchestrator.Started, error)
	GetTask(ctx context.Context, taskID string) (task.Task, error)
	SubmitResponse(ctx context.Context, taskID, response string) (task.Task, error)
	Cancel(ctx context.Context, taskID string) (task.Task, error)
	ListSessionTasks(ctx context.Context, chatSessionID string, statuses []task.Status, limit int) ([]task.Task, error)
	Ping(ctx context.Context) error
}

// WebhookIngestor authenticates and applies a raw worker callback.
type WebhookIngestor interface {
	Ingest(ctx context.Context, body []byte, signature string) (orchestrator.Outcome, error)
}

// Config tunes the router.
type Config struct {
	AllowedOrigins  []string
	RateLimit       RateLimitConfig
	Heartbeat       time.Duration
	MaxWebhookBytes int64
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Tasks    TaskService
	Webhooks WebhookIngestor
	Streams  delivery.Source
	Metrics  *observability.Metrics
	Tracer   *observability.TracerProvider
	Gatherer prometheus.Gatherer
	Logger   logging.Logger
}

// Router owns the gin engine and the runtime-tunable middleware state.
type Router struct {
	engine  *gin.Engine
	limiter *rateLimiter
}

// NewRouter wires every route.
func NewRouter(cfg Config, deps Deps) (*Router, error) {
	if deps.Tasks == nil || deps.Webhooks == nil || deps.Streams == nil {
		return nil, errors.New("router requires tasks, webhooks and streams")
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NoopTracer()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	logger := logging.OrNop(deps.Logger)
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = defaultMaxWebhookBytes
	}

	h := &handler{
		tasks:           deps.Tasks,
		webhooks:        deps.Webhooks,
		streams:         deps.Streams,
		metrics:         deps.Metrics,
		tracer:          deps.Tracer,
		logger:          logger,
		heartbeat:       cfg.Heartbeat,
		maxWebhookBytes: cfg.MaxWebhookBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	limiter := newRateLimiter(cfg.RateLimit)

	engine := gin.New()
	engine.Use(recovery(logger), requestLogging(logger), requestTracing(deps.Tracer), requestMetrics(deps.Metrics))
	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	engine.GET("/health", h.health)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	api := engine.Group("/api")
	api.POST("/agent/webhook", h.ingestWebhook)

	public := api.Group("", limiter.middleware())
	public.POST("/tasks", h.startTask)
	public.GET("/tasks/:id", h.getTask)
	public.POST("/tasks/:id/respond", h.respond)
	public.POST("/tasks/:id/cancel", h.cancel)
	public.GET("/tasks/:id/stream", h.streamSSE)
	public.GET("/tasks/:id/ws", h.streamWebsocket)
	public.GET("/sessions/:id/tasks", h.listSessionTasks)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	})

	return &Router{engine: engine, limiter: limiter}, nil
}

// Handler returns the root http.Handler.
func (r *Router) Handler() http.Handler { return r.engine }

// SetRateLimit replaces the per-client limit. rps <= 0 disables limiting.
func (r *Router) SetRateLimit(rps float64, burst int) { r.limiter.set(rps, burst) }

func allowsAnyOrigin(origins []string) bool {
	return len(origins) == 0 || slices.Contains(origins, "*")
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID", logIDHeader},
		ExposeHeaders:    []string{logIDHeader},
		AllowWebSockets:  true,
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}
	if allowsAnyOrigin(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func originChecker(origins []string) func(r *http.Request) bool {
	if allowsAnyOrigin(origins) {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
