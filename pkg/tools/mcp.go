package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"datapilot/pkg/logger"
)

const mcpCallTimeout = 2 * time.Minute

// MCPSource connects to an MCP server over stdio and registers each of its
// tools into a registry.
type MCPSource struct {
	client *client.Client
	logger logger.Logger
}

// ConnectMCP launches the MCP server command and completes the handshake.
func ConnectMCP(ctx context.Context, command string, env []string, args []string, log logger.Logger) (*MCPSource, error) {
	mcpClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start MCP server %s: %w", command, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: "2024-11-05",
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "datapilot",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP connection: %w", err)
	}

	return &MCPSource{client: mcpClient, logger: log}, nil
}

// RegisterTools lists the server's tools and registers them. Each tool call
// is forwarded over the MCP connection and its text content returned.
func (s *MCPSource) RegisterTools(ctx context.Context, registry *Registry) (int, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("failed to list tools: %w", err)
	}

	for _, t := range result.Tools {
		name := t.Name
		registry.Register(Tool{
			Name: name,
			Doc:  t.Description,
			Call: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return s.call(ctx, name, args)
			},
		})
	}
	s.logger.Infof("🔧 Registered %d MCP tools", len(result.Tools))
	return len(result.Tools), nil
}

func (s *MCPSource) call(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	result, err := s.client.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %s", name, flattenContent(result.Content))
	}
	return flattenContent(result.Content), nil
}

// flattenContent joins the text blocks of a tool result.
func flattenContent(content []mcp.Content) string {
	var out string
	for _, c := range content {
		if text, ok := c.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += text.Text
		}
	}
	return out
}

// Close shuts down the MCP connection.
func (s *MCPSource) Close() error {
	return s.client.Close()
}
