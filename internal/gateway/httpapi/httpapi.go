// Package httpapi implements the operator HTTP API.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket on the submit path
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/bus"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/store"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// listLimit caps how many records the inspection endpoints return.
const listLimit = 100

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the operator HTTP API.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the operator HTTP API gateway.
type Gateway struct {
	config  Config
	orch    *orchestrator.Orchestrator
	store   store.Store
	router  *router.Router
	bus     *bus.Bus
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket agent endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates the operator HTTP API gateway.
func NewGateway(cfg Config, o *orchestrator.Orchestrator, st store.Store, rt *router.Router, b *bus.Bus, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		orch:    o,
		store:   st,
		router:  rt,
		bus:     b,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kazi",
			Version: "v0.0.1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket agent endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/tasks", g.handleSubmitTask,
		okapi.DocSummary("Submit a task for routing and queueing"),
		okapi.DocTags("Tasks"),
		okapi.DocRequestBody(SubmitTaskRequest{}),
		okapi.DocResponse(http.StatusAccepted, SubmitTaskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/health", g.handleHealth,
		okapi.DocSummary("Full orchestrator health snapshot"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthSnapshotResponse{}),
	)
	g.group.Get("/queues", g.handleListQueues,
		okapi.DocSummary("List queues with depth and in-flight counts"),
		okapi.DocTags("Queues"),
		okapi.DocResponse(QueuesResponse{}),
	)
	g.group.Get("/queues/{name}/log", g.handleQueueLog,
		okapi.DocSummary("Recent transaction log entries for a queue, newest first"),
		okapi.DocTags("Queues"),
		okapi.DocPathParam("name", "string", "Queue name or bare model name"),
		okapi.DocResponse(QueueLogResponse{}),
	)
	g.group.Get("/agents", g.handleListAgents,
		okapi.DocSummary("List registered agents, including inactive ones"),
		okapi.DocTags("Agents"),
		okapi.DocResponse(AgentsResponse{}),
	)
	g.group.Get("/dlq/{queue}", g.handleDeadLetters,
		okapi.DocSummary("List a queue's dead letters, newest first"),
		okapi.DocTags("DeadLetters"),
		okapi.DocPathParam("queue", "string", "Queue name or bare model name"),
		okapi.DocResponse(DeadLettersResponse{}),
	)
	g.group.Post("/dlq/{queue}/requeue", g.handleRequeueDeadLetter,
		okapi.DocSummary("Move a dead letter back onto its queue with retries reset"),
		okapi.DocTags("DeadLetters"),
		okapi.DocPathParam("queue", "string", "Queue name or bare model name"),
		okapi.DocRequestBody(RequeueDeadLetterRequest{}),
		okapi.DocResponse(RequeueDeadLetterResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/dlq/{queue}", g.handlePurgeDeadLetters,
		okapi.DocSummary("Drop all dead letters for a queue"),
		okapi.DocTags("DeadLetters"),
		okapi.DocPathParam("queue", "string", "Queue name or bare model name"),
		okapi.DocResponse(PurgeResponse{}),
	)
	g.group.Post("/command", g.handleCommand,
		okapi.DocSummary("Send a control command to the orchestrator"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(http.StatusAccepted, CommandResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket agent endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = id
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
