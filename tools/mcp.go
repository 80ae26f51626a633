package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// MCPPlugin wraps one stdio MCP server process and exposes its tools as
// registry definitions.
type MCPPlugin struct {
	name   string
	client *client.Client
}

// StartMCPPlugin launches the server command over stdio, runs the MCP
// handshake, and returns the connected plugin.
func StartMCPPlugin(ctx context.Context, name, command string, env []string, args ...string) (*MCPPlugin, error) {
	mcpClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start plugin %s: %w", name, err)
	}

	initReq := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: "2025-06-18",
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "parley",
				Version: "1.0.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("initialize plugin %s: %w", name, err)
	}

	return &MCPPlugin{name: name, client: mcpClient}, nil
}

// Definitions lists the plugin's tools as registry definitions. The
// handler of each definition proxies the call to the server.
func (p *MCPPlugin) Definitions(ctx context.Context) ([]Definition, error) {
	result, err := p.client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools for %s: %w", p.name, err)
	}

	defs := make([]Definition, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			slog.Warn("skipping tool with unmarshalable schema", "plugin", p.name, "tool", tool.Name, "err", err)
			continue
		}
		name := tool.Name
		defs = append(defs, Definition{
			Name:        name,
			Description: tool.Description,
			InputSchema: schema,
			Handler: func(ctx context.Context, input map[string]any) ([]string, error) {
				return p.call(ctx, name, input)
			},
		})
	}
	return defs, nil
}

func (p *MCPPlugin) call(ctx context.Context, name string, input map[string]any) ([]string, error) {
	result, err := p.client.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      name,
			Arguments: input,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call %s/%s: %w", p.name, name, err)
	}

	var lines []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcptypes.TextContent:
			lines = append(lines, c.Text)
		default:
			raw, err := json.Marshal(content)
			if err != nil {
				continue
			}
			lines = append(lines, string(raw))
		}
	}
	if result.IsError {
		return lines, fmt.Errorf("%s/%s reported an error", p.name, name)
	}
	if len(lines) == 0 {
		lines = []string{"tool executed with no output"}
	}
	return lines, nil
}

// Name returns the plugin's configured name.
func (p *MCPPlugin) Name() string {
	return p.name
}

// Close shuts down the server process.
func (p *MCPPlugin) Close() error {
	return p.client.Close()
}
