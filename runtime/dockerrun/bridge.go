package dockerrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flotilla-dev/flotilla"
)

// toolBridge exposes the turn's injected tool servers to the agent container
// over streamable HTTP MCP. It listens on an ephemeral host port; the
// container reaches it through the host gateway alias.
type toolBridge struct {
	ln         net.Listener
	httpServer *http.Server
	streamable *server.StreamableHTTPServer
	logger     *slog.Logger
}

func newToolBridge(servers []flotilla.ToolServer, logger *slog.Logger) (*toolBridge, error) {
	mcpSrv := server.NewMCPServer("flotilla-tools", "1.0.0", server.WithToolCapabilities(true))
	seen := make(map[string]bool)
	for _, srv := range servers {
		for _, spec := range srv.Tools {
			if spec.Name == "" {
				return nil, fmt.Errorf("tool server %s: tool with empty name", srv.Name)
			}
			if seen[spec.Name] {
				return nil, fmt.Errorf("duplicate tool name %q", spec.Name)
			}
			seen[spec.Name] = true
			mcpSrv.AddTool(bridgeTool(spec), bridgeHandler(spec.Handler))
		}
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("tool bridge listen: %w", err)
	}
	streamable := server.NewStreamableHTTPServer(mcpSrv, server.WithEndpointPath("/mcp"))
	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	b := &toolBridge{
		ln:         ln,
		httpServer: &http.Server{Handler: mux},
		streamable: streamable,
		logger:     logger,
	}
	go func() {
		if err := b.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("tool bridge server error", "error", err)
		}
	}()
	logger.Info("tool bridge listening", "addr", ln.Addr().String())
	return b, nil
}

// containerURL is the bridge address as seen from inside the container.
func (b *toolBridge) containerURL() string {
	port := b.ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://host.docker.internal:%d/mcp", port)
}

func (b *toolBridge) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.httpServer.Shutdown(ctx); err != nil {
		b.logger.Warn("tool bridge shutdown", "error", err)
	}
	if err := b.streamable.Shutdown(ctx); err != nil {
		b.logger.Warn("tool bridge transport shutdown", "error", err)
	}
}

func bridgeTool(spec flotilla.ToolSpec) mcp.Tool {
	if len(spec.Schema) > 0 {
		return mcp.NewToolWithRawSchema(spec.Name, spec.Description, spec.Schema)
	}
	return mcp.NewTool(spec.Name, mcp.WithDescription(spec.Description))
}

// bridgeHandler adapts a flotilla tool handler to the MCP calling
// convention. Handler errors become error results for the model, not
// protocol failures.
func bridgeHandler(h flotilla.ToolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if h == nil {
			return mcp.NewToolResultError("tool has no handler"), nil
		}
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		out, err := h(ctx, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
