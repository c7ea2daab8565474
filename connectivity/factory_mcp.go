package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type mcpConfig struct {
	ToolName string `json:"tool_name"`
}

// MCPFactory builds handlers that call one tool of an MCP server reached over
// streamable HTTP. The payload becomes the tool arguments and the first text
// content of the result becomes the response. Route config:
//
//	{"tool_name": "webmarker_list_marks"}
func MCPFactory(impl *mcp.Implementation) TransportFactory {
	if impl == nil {
		impl = &mcp.Implementation{Name: "webmarker", Version: "1.0.0"}
	}
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		var cfg mcpConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/mcp: config: %w", err)
			}
		}
		if cfg.ToolName == "" {
			return nil, nil, errors.New("connectivity/mcp: tool_name required in config")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client := mcp.NewClient(impl, nil)
		session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint}, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("connectivity/mcp: connect %s: %w", endpoint, err)
		}

		h := func(ctx context.Context, payload []byte) ([]byte, error) {
			var args map[string]any
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &args); err != nil {
					return nil, fmt.Errorf("connectivity/mcp: args: %w", err)
				}
			}
			res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: cfg.ToolName, Arguments: args})
			if err != nil {
				return nil, fmt.Errorf("connectivity/mcp: %s: %w", cfg.ToolName, err)
			}
			var text strings.Builder
			for _, c := range res.Content {
				if tc, ok := c.(*mcp.TextContent); ok {
					text.WriteString(tc.Text)
				}
			}
			if res.IsError {
				return nil, fmt.Errorf("connectivity/mcp: %s: %s", cfg.ToolName, text.String())
			}
			return []byte(text.String()), nil
		}
		return h, func() { session.Close() }, nil
	}
}
