// Package mcpbridge exposes a workspace Dispatcher as an MCP server, one
// tool per protocol method.
package mcpbridge

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/lydakis/cws/internal/protocol"
)

// Handler runs one protocol method. *daemon.Dispatcher satisfies it.
type Handler interface {
	Handle(ctx context.Context, method string, raw json.RawMessage) (any, *protocol.Error)
}

// NewServer registers every tool against h.
func NewServer(h Handler, name, version string, logger *zap.Logger) *server.MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false), server.WithRecovery())
	for _, spec := range toolSpecs {
		s.AddTool(spec.tool, toolHandler(h, spec.method, logger))
	}
	return s
}

func toolHandler(h Handler, method string, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("arguments are not valid JSON"), nil
		}
		result, perr := h.Handle(ctx, method, raw)
		if perr != nil {
			logger.Debug("tool call failed", zap.String("tool", request.Params.Name), zap.String("code", string(perr.Code)))
			return errorResult(perr), nil
		}
		return mcp.NewToolResultStructuredOnly(result), nil
	}
}

// errorResult reports perr as a tool error. The structured content carries
// the code and data so agents can react to ConfirmationRequired.
func errorResult(perr *protocol.Error) *mcp.CallToolResult {
	res := mcp.NewToolResultError(perr.Error())
	res.StructuredContent = perr
	return res
}

// ServeStdio runs s over in and out until ctx is done or in reaches EOF.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(zap.NewStdLog(logger.Named("mcp")))
	return stdio.Listen(ctx, in, out)
}
