// Package mcp exposes the mediated tools as an MCP (Model Context Protocol)
// server over stdio. Every tools/call goes through the same validation,
// authorization, resource, sandbox and audit pipeline as the HTTP API,
// under the principal configured for the MCP gateway.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/toolgate/internal/gateway"
	"github.com/jkaninda/toolgate/internal/pipeline"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/tools"
)

// Gateway serves MCP over a pair of streams, stdin/stdout by default.
type Gateway struct {
	pipeline  *pipeline.Pipeline
	principal security.Context
	logger    *slog.Logger

	in  io.Reader
	out io.Writer

	server *server.MCPServer

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ gateway.Gateway = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithStreams replaces stdin/stdout.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(g *Gateway) {
		g.in = in
		g.out = out
	}
}

// New creates the MCP gateway and registers every tool in the pipeline's
// registry. principal carries the user, trust and permissions every call
// runs under; the MCP session id replaces its session id when present.
func New(p *pipeline.Pipeline, principal security.Context, version string, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		pipeline:  p,
		principal: principal,
		logger:    logger,
		in:        os.Stdin,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(g)
	}
	if g.principal.SessionID == "" {
		g.principal.SessionID = uuid.NewString()
	}

	g.server = server.NewMCPServer("toolgate", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, reg := range p.Registry().All() {
		tool, err := mcpTool(reg)
		if err != nil {
			return nil, err
		}
		g.server.AddTool(tool, g.handler(reg.Tool.Name()))
	}
	return g, nil
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *server.MCPServer { return g.server }

// Start serves MCP until ctx is canceled or the input stream closes.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	defer cancel()

	stdio := server.NewStdioServer(g.server)
	// stdout is the protocol stream; diagnostics go through slog instead.
	stdio.SetErrorLogger(log.New(slogWriter{g.logger}, "", 0))

	g.logger.Info("mcp gateway starting",
		slog.String("user_id", g.principal.UserID),
		slog.Int("tools", len(g.pipeline.Registry().List())),
	)
	err := stdio.Listen(ctx, g.in, g.out)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop ends Start.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.logger.Info("mcp gateway stopping")
		g.cancel()
	}
	return nil
}

func (g *Gateway) handler(toolID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp := g.pipeline.Invoke(ctx, pipeline.Call{
			ToolID:  toolID,
			Params:  req.GetArguments(),
			Context: g.sessionContext(ctx),
		})
		return toResult(resp)
	}
}

// sessionContext derives the security context of the MCP session in ctx.
func (g *Gateway) sessionContext(ctx context.Context) security.Context {
	sc := g.principal
	if session := server.ClientSessionFromContext(ctx); session != nil && session.SessionID() != "" {
		sc.SessionID = session.SessionID()
	}
	return sc
}

// toResult renders a pipeline response. Mediation failures are tool
// errors, not protocol errors, so the client sees the error envelope.
func toResult(resp *pipeline.Response) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	if !resp.OK() {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func mcpTool(reg *tools.Registration) (mcp.Tool, error) {
	schema, err := json.Marshal(reg.Tool.InputSchema())
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("encoding %s input schema: %w", reg.Tool.Name(), err)
	}
	return mcp.NewToolWithRawSchema(reg.Tool.Name(), reg.Tool.Description(), schema), nil
}

// slogWriter forwards the stdio server's log output to slog.
type slogWriter struct{ l *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.l.Warn("mcp transport", slog.String("message", string(p)))
	return len(p), nil
}
