// Package httpapi exposes the sandbox execution pool over HTTP.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
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

	"github.com/jkaninda/okapi"

	"github.com/nekrolabs/sandpool/internal/executor"
	"github.com/nekrolabs/sandpool/internal/observability"
	"github.com/nekrolabs/sandpool/internal/pool"
	"github.com/nekrolabs/sandpool/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error      string `json:"error"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key to client ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway over the executor and session pool.
type Gateway struct {
	config  Config
	exec    *executor.Executor
	pool    *pool.Pool
	audit   executor.AuditStore // nil = executions listing disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, exec *executor.Executor, p *pool.Pool, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		exec:    exec,
		pool:    p,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithAudit attaches the execution audit store, enabling the
// executions listing endpoint.
func (g *Gateway) WithAudit(store executor.AuditStore) *Gateway {
	g.audit = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sandpool",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group, with metrics/tracing middleware ahead of auth.
	middlewares := []okapi.Middleware{}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate)
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/tasks", g.handleTaskExecute,
		okapi.DocSummary("Execute one instruction in the caller's session sandbox"),
		okapi.DocTags("Tasks"),
		okapi.DocRequestBody(TaskRequest{}),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Post("/workflows", g.handleWorkflowExecute,
		okapi.DocSummary("Execute a sequence of instructions sharing one session"),
		okapi.DocTags("Tasks"),
		okapi.DocRequestBody(WorkflowRequest{}),
		okapi.DocResponse(WorkflowResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Pre-create a session and warm its sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionRequest{}),
		okapi.DocResponse(http.StatusCreated, SessionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Delete("/sessions/{chat_key}/{user_id}", g.handleSessionDelete,
		okapi.DocSummary("Tear down a session and its sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("chat_key", "string", "Chat key"),
		okapi.DocPathParam("user_id", "string", "User ID"),
		okapi.DocResponse(SessionDeleteResponse{}),
	)
	g.group.Get("/sessions/{chat_key}/{user_id}/executions", g.handleExecutionsList,
		okapi.DocSummary("List recent executions for a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("chat_key", "string", "Chat key"),
		okapi.DocPathParam("user_id", "string", "User ID"),
		okapi.DocResponse([]ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Pool statistics"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(StatsResponse{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

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
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for GET /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// StatsResponse is the JSON response for GET /v1/stats.
type StatsResponse struct {
	ActiveSessions int `json:"active_sessions"`
	MaxSessions    int `json:"max_sessions"`
	TotalTasks     int `json:"total_tasks"`
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	stats := g.pool.Stats()
	return c.OK(StatsResponse{
		ActiveSessions: stats.ActiveSessions,
		MaxSessions:    stats.MaxSessions,
		TotalTasks:     stats.TotalTasks,
	})
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID on
// the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
