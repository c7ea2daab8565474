package kit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	want := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) { return nil, errFail }
	noop := func(next Endpoint) Endpoint { return next }

	_, err := Chain(noop)(base)(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestContext_Defaults(t *testing.T) {
	ctx := context.Background()
	if v := GetTransport(ctx); v != "connectivity" {
		t.Fatalf("transport: got %q, want %q", v, "connectivity")
	}
	if GetRequestID(ctx) != "" || GetRemoteAddr(ctx) != "" || GetClient(ctx) != "" {
		t.Fatal("empty context returned values")
	}
}

func TestContext_Set(t *testing.T) {
	ctx := WithTransport(context.Background(), "http")
	ctx = WithRequestID(ctx, "req_1")
	ctx = WithRemoteAddr(ctx, "127.0.0.1:9")
	ctx = WithClient(ctx, "https://a.test/x")
	if v := GetTransport(ctx); v != "http" {
		t.Fatalf("transport: got %q", v)
	}
	if v := GetRequestID(ctx); v != "req_1" {
		t.Fatalf("request id: got %q", v)
	}
	if v := GetRemoteAddr(ctx); v != "127.0.0.1:9" {
		t.Fatalf("remote addr: got %q", v)
	}
	if v := GetClient(ctx); v != "https://a.test/x" {
		t.Fatalf("client: got %q", v)
	}
}

func TestDecodeJSON(t *testing.T) {
	type args struct {
		URL string `json:"url"`
	}
	dec := DecodeJSON[args]()

	res, err := dec(&mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: []byte(`{"url":"https://a.test"}`)}})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Request.(*args).URL; got != "https://a.test" {
		t.Fatalf("url: got %q", got)
	}

	if _, err := dec(&mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: []byte(`{`)}}); err == nil {
		t.Fatal("expected error on bad json")
	}
}

func TestRecover(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := func(context.Context, any) (any, error) { panic("boom") }
	resp, err := Recover(logger, "list")(base)(context.Background(), nil)
	if resp != nil || err == nil || !strings.Contains(err.Error(), "list") {
		t.Fatalf("got %v, %v", resp, err)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	errFail := errors.New("fail")
	base := func(context.Context, any) (any, error) { return nil, errFail }

	ctx := WithClient(WithTransport(context.Background(), "mcp"), "sidepanel")
	if _, err := Logging(logger, "search")(base)(ctx, nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v", err)
	}
	out := buf.String()
	for _, want := range []string{"op=search", "transport=mcp", "client=sidepanel", "error=fail"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %q", out, want)
		}
	}
}
