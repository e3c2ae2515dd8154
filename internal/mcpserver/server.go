// Package mcpserver exposes gateway tools over MCP. Every tool runs behind
// the auth middleware and is wrapped for usage logging.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pysugar/mcp-auth-gateway/internal/logging"
	"github.com/pysugar/mcp-auth-gateway/internal/proxy/middleware"
	"github.com/pysugar/mcp-auth-gateway/internal/upstream"
	"github.com/pysugar/mcp-auth-gateway/internal/version"
	"go.uber.org/zap"
)

// Executor performs authenticated backend calls.
type Executor interface {
	Execute(ctx context.Context, req upstream.Request, rc *upstream.RefreshContext) (json.RawMessage, error)
}

// Server owns the MCP server and its tools.
type Server struct {
	mcp       *server.MCPServer
	exec      Executor
	refresher upstream.TokenRefresher
	wrapper   *middleware.ToolWrapper
	logger    *zap.Logger
}

// New creates the MCP server and registers the gateway tools.
func New(exec Executor, refresher upstream.TokenRefresher, wrapper *middleware.ToolWrapper, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcp: server.NewMCPServer(
			"mcp-auth-gateway",
			version.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		exec:      exec,
		refresher: refresher,
		wrapper:   wrapper,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Handler serves MCP over streamable HTTP. It must be mounted behind the
// auth middleware so tool calls find the caller in their context.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := middleware.IdentityFrom(r.Context()); ok {
				ctx = middleware.WithIdentity(ctx, id)
			}
			ctx = middleware.WithRequestMeta(ctx, middleware.RequestMetaFrom(r.Context()))
			return logging.WithRequestID(ctx, logging.GetRequestID(r.Context()))
		}),
	)
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool("auth_me",
		mcp.WithDescription("Return the backend profile of the authenticated caller"),
	), s.handleAuthMe)

	s.addTool(mcp.NewTool("upstream_request",
		mcp.WithDescription("Call a backend API path with the caller's credentials"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Backend path, for example /items/42"),
		),
		mcp.WithString("method",
			mcp.Description("HTTP method (default GET)"),
			mcp.Enum("GET", "POST", "PUT", "PATCH", "DELETE"),
		),
		mcp.WithObject("body",
			mcp.Description("JSON body for POST, PUT and PATCH"),
		),
	), s.handleUpstreamRequest)
}

// addTool registers handler so each call is wrapped with the identity of
// the request that carries it.
func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, s.guard(tool.Name, handler))
}

func (s *Server) guard(name string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := middleware.IdentityFrom(ctx)
		if !ok {
			return mcp.NewToolResultError("unauthenticated"), nil
		}
		return s.wrapper.WrapToolCall(name, handler, id.SessionID, id.UserID)(ctx, req)
	}
}

func (s *Server) refreshContext(id middleware.Identity) *upstream.RefreshContext {
	if s.refresher == nil {
		return nil
	}
	return &upstream.RefreshContext{UserID: id.UserID, Refresher: s.refresher}
}

func (s *Server) call(ctx context.Context, req upstream.Request) (*mcp.CallToolResult, error) {
	id, _ := middleware.IdentityFrom(ctx)
	req.Token = id.Token
	data, err := s.exec.Execute(ctx, req, s.refreshContext(id))
	if err != nil {
		logging.For(ctx, s.logger).Info("upstream call failed",
			zap.String("user_id", id.UserID),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return nil, err
	}
	if data == nil {
		return mcp.NewToolResultText("{}"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAuthMe(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.call(ctx, upstream.Request{Method: http.MethodGet, URL: upstream.IdentityPath})
}

func (s *Server) handleUpstreamRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	// Only backend-relative paths; the caller's token must not leave the backend.
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return mcp.NewToolResultError(fmt.Sprintf("path must be relative to the backend, got %q", path)), nil
	}
	method := strings.ToUpper(req.GetString("method", http.MethodGet))

	r := upstream.Request{Method: method, URL: path}
	if body, ok := req.GetArguments()["body"]; ok && body != nil {
		r.Body = body
	}
	return s.call(ctx, r)
}
