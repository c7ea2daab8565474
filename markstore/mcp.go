package markstore

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/webmarker/kit"
	"github.com/hazyhaar/webmarker/mark"
)

// RegisterMCP registers the mark tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListTool(srv)
	s.registerSearchTool(srv)
	s.registerGetTool(srv)
	s.registerUpdateTool(srv)
	s.registerRemoveTool(srv)
	s.registerCleanupTool(srv)
	s.registerUsageTool(srv)
}

// NewMCPServer returns an MCP server carrying the mark tools.
func (s *Service) NewMCPServer(version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "webmarker", Version: version}, nil)
	s.RegisterMCP(srv)
	return srv
}

// addTool registers endpoint behind the logging and panic guards.
func (s *Service) addTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	guarded := kit.Chain(
		kit.Logging(s.logger, tool.Name),
		kit.Recover(s.logger, tool.Name),
	)(endpoint)
	kit.RegisterMCPTool(srv, tool, guarded, decode)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	urlProp = map[string]any{"type": "string", "description": "Page URL (canonicalized: fragment and trailing slash dropped)"}
	idProp  = map[string]any{"type": "string", "description": "Mark id"}
)

func (s *Service) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webmarker_list_marks",
		Description: "List the highlights of a page in the order they were made. Without url, list the pages that hold highlights.",
		InputSchema: inputSchema(map[string]any{"url": urlProp}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*urlRequest)
		if r.URL == "" {
			return s.ListURLs(ctx)
		}
		return s.MarksForURL(ctx, r.URL)
	}
	s.addTool(srv, tool, endpoint, kit.DecodeJSON[urlRequest]())
}

func (s *Service) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webmarker_search_marks",
		Description: "Full-text search over highlighted text, notes and page titles. Best matches first.",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Words to look for"},
			"url":   urlProp,
			"limit": map[string]any{"type": "integer", "description": "Max results (default 20)"},
		}, []string{"query"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*searchRequest)
		return s.Search(ctx, r.Query, r.URL, r.Limit)
	}
	s.addTool(srv, tool, endpoint, kit.DecodeJSON[searchRequest]())
}

func (s *Service) registerGetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webmarker_get_mark",
		Description: "Get one highlight by page URL and id.",
		InputSchema: inputSchema(map[string]any{"url": urlProp, "id": idProp}, []string{"url", "id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*markRef)
		m, err := s.GetMark(ctx, r.URL, r.ID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("mark %s not found on %s", r.ID, r.URL)
		}
		return m, nil
	}
	s.addTool(srv, tool, endpoint, kit.DecodeJSON[markRef]())
}

func (s *Service) registerUpdateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webmarker_update_mark",
		Description: "Change the note and/or color of a highlight. The highlighted range never changes.",
		InputSchema: inputSchema(map[string]any{
			"url":   urlProp,
			"id":    idProp,
			"note":  map[string]any{"type": "string", "description": "New note"},
			"color": map[string]any{"type": "string", "description": "New color, #RGB or #RRGGBB"},
		}, []string{"url", "id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*detailsRequest)
		if err := s.UpdateMarkDetails(ctx, r.URL, r.ID, r.Note, r.Color); err != nil {
			return nil, err
		}
		return s.GetMark(ctx, r.URL, r.ID)
	}
	s.addTool(srv, tool, endpoint, kit.DecodeJSON[detailsRequest]())
}

func (s *Service) registerRemoveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webmarker_remove_mark",
		Description: "Delete one highlight, or every highlight of a page when id is omitted.",
		InputSchema: inputSchema(map[string]any{"url": urlProp, "id": idProp}, []string{"url"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*markRef)
		if r.ID == "" {
			n, err := s.RemoveMarksByURL(ctx, r.URL)
			return removedResponse{Removed: n}, err
		}
		if err := s.RemoveMark(ctx, r.URL, r.ID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "removed"}, nil
	}
	s.addTool(srv, tool, endpoint, kit.DecodeJSON[markRef]())
}

type cleanupRequest struct {
	Mode string `json:"mode"`
	Days int    `json:"days,omitempty"`
}

func (s *Service) registerCleanupTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webmarker_cleanup",
		Description: "Bulk-delete highlights: mode \"old\" keeps those made within the last days, mode \"useless\" keeps only those with a note.",
		InputSchema: inputSchema(map[string]any{
			"mode": map[string]any{"type": "string", "enum": []any{"old", "useless"}},
			"days": map[string]any{"type": "integer", "description": "Age limit for mode old"},
		}, []string{"mode"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*cleanupRequest)
		var (
			n   int64
			err error
		)
		switch r.Mode {
		case "old":
			n, err = s.CleanupOldMarks(ctx, r.Days)
		case "useless":
			n, err = s.CleanupUselessMarks(ctx)
		default:
			return nil, fmt.Errorf("%w: cleanup mode %q", mark.ErrInvalid, r.Mode)
		}
		if err != nil {
			return nil, err
		}
		return removedResponse{Removed: n}, nil
	}
	s.addTool(srv, tool, endpoint, kit.DecodeJSON[cleanupRequest]())
}

func (s *Service) registerUsageTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webmarker_usage",
		Description: "Storage used by highlights: bytes, mark and page counts, quota.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Usage(ctx)
	}
	s.addTool(srv, tool, endpoint, kit.DecodeJSON[struct{}]())
}
