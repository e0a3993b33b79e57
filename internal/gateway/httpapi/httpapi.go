// Package httpapi implements the JSON API gateway for toolgate.
//
// Security:
//   - Bearer authentication on every /v1 request (API key or signed token)
//   - Request body size limits (default 1 MB)
//   - Strict JSON schema validation of invoke bodies (in the pipeline)
//   - Every invocation is mediated and audited, malformed ones included
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/gateway"
	"github.com/jkaninda/toolgate/internal/gateway/auth"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/pipeline"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/tools"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB

	// SessionHeader selects the session of an API key request.
	SessionHeader = "X-Session-ID"

	principalKey = "principal"
)

// ErrorBody is the error response of the gateway itself (authentication,
// routing, oversized bodies). Mediation errors use pipeline.ErrorBody.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	pipeline *pipeline.Pipeline
	auth     *auth.Authenticator
	store    audit.Store // nil = audit query endpoint disabled.
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the audit stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
	once  sync.Once
}

var _ gateway.Gateway = (*Gateway)(nil)

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, p *pipeline.Pipeline, a *auth.Authenticator, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		pipeline: p,
		auth:     a,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithAuditStore enables GET /v1/audit backed by store.
func (g *Gateway) WithAuditStore(store audit.Store) *Gateway {
	g.store = store
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// The handler is responsible for its own authentication.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
		Title:   "toolgate",
		Version: version,
	})
}

// Handler returns the routed HTTP handler. Routes are registered once.
func (g *Gateway) Handler() http.Handler {
	g.once.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/invoke", g.handleInvoke,
		okapi.DocSummary("Invoke a tool through the mediation pipeline"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(pipeline.Request{}),
		okapi.DocResponse(pipeline.Response{}),
		okapi.DocResponse(http.StatusBadRequest, pipeline.Response{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, pipeline.Response{}),
		okapi.DocResponse(http.StatusNotFound, pipeline.Response{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, pipeline.Response{}),
	)
	g.group.Get("/tools", g.handleTools,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolInfo{}),
	)
	g.group.Get("/tools/{id}", g.handleTool,
		okapi.DocSummary("Describe a registered tool"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Tool id"),
		okapi.DocResponse(ToolInfo{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/tools/{id}/sandbox", g.handleSandbox,
		okapi.DocSummary("Show the sandbox configuration of a tool"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Tool id"),
		okapi.DocResponse(sandbox.Config{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/whoami", g.handleWhoami,
		okapi.DocSummary("Show the authenticated principal"),
		okapi.DocTags("Auth"),
		okapi.DocResponse(PrincipalInfo{}),
	)

	// Audit query endpoint (only if a store is configured).
	if g.store != nil {
		g.group.Get("/audit", g.handleAudit,
			okapi.DocSummary("Query stored audit events"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Event{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., WebSocket audit stream).
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
		g.withOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.once.Do(g.routes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

func (g *Gateway) handleInvoke(c *okapi.Context) error {
	principal, ok := principalOf(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	correlationID := newCorrelationID()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, g.config.MaxRequestSize+1))
	if err != nil {
		return c.AbortBadRequest("failed to read request body")
	}
	if int64(len(body)) > g.config.MaxRequestSize {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
	}

	resp := g.pipeline.InvokeJSON(c.Context(), principal, body)
	status := StatusFor(resp)

	g.logger.Debug("invoke handled",
		slog.String("correlation_id", correlationID),
		slog.String("user_id", principal.UserID),
		slog.String("state", resp.State.String()),
		slog.Int("status", status),
	)
	return c.JSON(status, resp)
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Limits      tools.Limits   `json:"limits"`
}

func toolInfo(r *tools.Registration) ToolInfo {
	return ToolInfo{
		Name:        r.Tool.Name(),
		Description: r.Tool.Description(),
		InputSchema: r.Tool.InputSchema(),
		Limits:      r.Limits,
	}
}

func (g *Gateway) handleTools(c *okapi.Context) error {
	regs := g.pipeline.Registry().All()
	out := make([]ToolInfo, 0, len(regs))
	for _, r := range regs {
		out = append(out, toolInfo(r))
	}
	return c.OK(out)
}

func (g *Gateway) handleTool(c *okapi.Context) error {
	reg := g.pipeline.Registry().Get(c.Param("id"))
	if reg == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "tool not found"})
	}
	return c.OK(toolInfo(reg))
}

func (g *Gateway) handleSandbox(c *okapi.Context) error {
	cfg, err := g.pipeline.Sandbox().Describe(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "tool not found"})
	}
	return c.OK(cfg)
}

// PrincipalInfo is the JSON response for GET /v1/whoami.
type PrincipalInfo struct {
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id,omitempty"`
	TrustLevel  string   `json:"trust_level"`
	Permissions []string `json:"permissions"`
}

func (g *Gateway) handleWhoami(c *okapi.Context) error {
	p, ok := principalOf(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	return c.OK(PrincipalInfo{
		UserID:      p.UserID,
		SessionID:   p.SessionID,
		TrustLevel:  p.TrustLevel.String(),
		Permissions: p.Permissions.Strings(),
	})
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	p, ok := principalOf(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	f, err := audit.ParseFilter(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	// Only system principals may read other users' events.
	if !p.TrustLevel.AtLeast(security.TrustSystem) {
		f.UserID = p.UserID
	}

	events, err := g.store.Query(c.Context(), f)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	if events == nil {
		events = []audit.Event{}
	}
	return c.OK(events)
}

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
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

// authenticate resolves the bearer credential to a principal and stores it
// on the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		principal, err := g.auth.Authenticate(c.Header("Authorization"), c.Header(SessionHeader))
		if err != nil {
			g.logger.Warn("http authentication failed",
				slog.String("remote", c.Request().RemoteAddr),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, auth.ErrMissingCredentials) {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			return c.AbortUnauthorized("invalid credentials")
		}
		c.Set(principalKey, principal)
		c.Set("userID", principal.UserID)
		return next(c)
	}
}

// --- Helpers ---

func principalOf(c *okapi.Context) (security.Context, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return security.Context{}, false
	}
	p, ok := v.(security.Context)
	return p, ok
}

// StatusFor maps a pipeline response to its HTTP status.
func StatusFor(resp *pipeline.Response) int {
	if resp.OK() {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case security.CodeToolNotFound:
		return http.StatusNotFound
	case security.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case security.CodeResourceLimitExceeded:
		return http.StatusServiceUnavailable
	case security.CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	case security.CodeExecutionFailed:
		return http.StatusInternalServerError
	}
	switch (&security.Error{Code: resp.Error.Code}).Kind() {
	case security.KindInput:
		return http.StatusBadRequest
	case security.KindPolicy, security.KindViolation:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
