package markstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/webmarker/mark"
)

var testImpl = &mcp.Implementation{Name: "webmarker-test", Version: "0.1.0"}

func mcpSession(t *testing.T) (*Service, *mcp.ClientSession) {
	t.Helper()
	svc := testService(t, nil)
	srv := svc.NewMCPServer("test")

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(testImpl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return svc, session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): got %T", name, res.Content[0])
	}
	return tc.Text, res.IsError
}

func TestMCP_Tools(t *testing.T) {
	svc, session := mcpSession(t)
	ctx := context.Background()
	first := newMark("m1", "the quick brown fox")
	second := newMark("m2", "lazy dog")
	second.Note = "dog note"
	svc.AddMark(ctx, first)
	svc.AddMark(ctx, second)

	text, isErr := callTool(t, session, "webmarker_list_marks", map[string]any{"url": pageURL})
	var marks []mark.Mark
	if isErr || json.Unmarshal([]byte(text), &marks) != nil || len(marks) != 2 || marks[0].ID != "m1" {
		t.Fatalf("list: %s", text)
	}
	text, _ = callTool(t, session, "webmarker_list_marks", map[string]any{})
	var urls []map[string]any
	if json.Unmarshal([]byte(text), &urls) != nil || len(urls) != 1 {
		t.Fatalf("list urls: %s", text)
	}

	text, _ = callTool(t, session, "webmarker_search_marks", map[string]any{"query": "fox"})
	var found []map[string]any
	if json.Unmarshal([]byte(text), &found) != nil || len(found) != 1 || found[0]["id"] != "m1" {
		t.Fatalf("search: %s", text)
	}

	text, _ = callTool(t, session, "webmarker_update_mark", map[string]any{"url": pageURL, "id": "m1", "color": "#FF9999"})
	var updated mark.Mark
	if json.Unmarshal([]byte(text), &updated) != nil || updated.Color != "#FF9999" {
		t.Fatalf("update: %s", text)
	}
	if _, isErr := callTool(t, session, "webmarker_get_mark", map[string]any{"url": pageURL, "id": "zz"}); !isErr {
		t.Fatal("missing mark not reported as tool error")
	}

	text, _ = callTool(t, session, "webmarker_cleanup", map[string]any{"mode": "useless"})
	if text != `{"removed":1}` {
		t.Fatalf("cleanup: %s", text)
	}
	if _, isErr := callTool(t, session, "webmarker_cleanup", map[string]any{"mode": "everything"}); !isErr {
		t.Fatal("bad cleanup mode accepted")
	}

	text, _ = callTool(t, session, "webmarker_usage", map[string]any{})
	var u Usage
	if json.Unmarshal([]byte(text), &u) != nil || u.Marks != 1 {
		t.Fatalf("usage: %s", text)
	}

	if _, isErr := callTool(t, session, "webmarker_remove_mark", map[string]any{"url": pageURL, "id": "m2"}); isErr {
		t.Fatal("remove failed")
	}
	if got, _ := svc.GetMark(ctx, pageURL, "m2"); got != nil {
		t.Fatal("mark not removed")
	}
}

func TestMCP_ToolPanicIsToolError(t *testing.T) {
	svc, session := mcpSession(t)
	svc.store = nil
	text, isErr := callTool(t, session, "webmarker_list_marks", map[string]any{"url": pageURL})
	if !isErr || !strings.Contains(text, "internal error") {
		t.Fatalf("got %q, isError=%v", text, isErr)
	}
}
