package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/webmarker/connectivity"
	"github.com/hazyhaar/webmarker/dbopen"
	"github.com/hazyhaar/webmarker/mark"
	"github.com/hazyhaar/webmarker/markstore"
)

func TestResolveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webmarker.yaml")
	if err := os.WriteFile(path, []byte("db_path: from-file.db\naddr: \":9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := resolveConfig(options{configPath: path, dbPath: "flag.db"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "flag.db" || cfg.Addr != ":9000" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestOneShotFlags(t *testing.T) {
	if (options{}).oneShot() {
		t.Error("no flags is daemon mode")
	}
	for _, o := range []options{{usage: true}, {search: "x"}, {cleanupDays: 3}, {render: "https://x.test/"}} {
		if !o.oneShot() {
			t.Errorf("%+v should be one-shot", o)
		}
	}
	err := run(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), options{remote: "http://127.0.0.1:1"})
	if err == nil || !strings.Contains(err.Error(), "one-shot") {
		t.Fatalf("remote without one-shot: %v", err)
	}
}

func TestHashToken(t *testing.T) {
	h, err := markstore.HashToken(strings.Repeat("k", 32))
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(h), []byte(strings.Repeat("k", 32))) != nil {
		t.Fatal("hash does not match")
	}
}

func TestRemoteClient(t *testing.T) {
	svc, err := markstore.NewWithDB(dbopen.OpenMemory(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(svc.Handler(nil))
	defer srv.Close()

	ctx := context.Background()
	c, closeFn, err := remoteClient(ctx, srv.URL, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	m := mark.Mark{
		ID:              "m1",
		URL:             "https://x.test/a",
		Text:            "remote text",
		RangeDescriptor: "html[0]/body[0]/p[0]:0,html[0]/body[0]/p[0]:6{0000abcd}",
		CreatedAt:       1700000000000,
	}
	if err := c.AddMark(ctx, m); err != nil {
		t.Fatal(err)
	}
	raw, err := c.Usage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var u struct {
		Marks int64 `json:"marks"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		t.Fatal(err)
	}
	if u.Marks != 1 {
		t.Fatalf("usage marks = %d, want 1", u.Marks)
	}
}

func testMark(id string) mark.Mark {
	return mark.Mark{
		ID:              id,
		URL:             "https://x.test/a",
		Text:            "local text",
		RangeDescriptor: "html[0]/body[0]/p[0]:0,html[0]/body[0]/p[0]:5{0000abcd}",
		CreatedAt:       1700000000000,
	}
}

func TestRemoteClient_FallsBackToLocal(t *testing.T) {
	local, err := markstore.NewWithDB(dbopen.OpenMemory(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := local.AddMark(ctx, testMark("m1")); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(nil)
	base := srv.URL
	srv.Close()

	c, closeFn, err := remoteClient(ctx, base, "", local)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	marks, err := c.MarksForURL(ctx, "https://x.test/a")
	if err != nil || len(marks) != 1 || marks[0].ID != "m1" {
		t.Fatalf("got %v, %v", marks, err)
	}
}

func TestRemoteChain_BreakerOpensThenFallsBack(t *testing.T) {
	local, err := markstore.NewWithDB(dbopen.OpenMemory(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := local.AddMark(ctx, testMark("m1")); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := 0
	down := func(context.Context, []byte) ([]byte, error) {
		calls++
		return nil, errors.New("connection refused")
	}
	payload := []byte(`{"url":"https://x.test/a"}`)

	bare := remoteChain(nil, logger, connectivity.WithBreakerThreshold(1))(markstore.SvcGetMarksForURL, "http")(down)
	bare(ctx, payload)
	attempts := calls
	_, err = bare(ctx, payload)
	var open *connectivity.ErrCircuitOpen
	if !errors.As(err, &open) || calls != attempts {
		t.Fatalf("got %v after %d calls, want open circuit after %d", err, calls, attempts)
	}

	calls = 0
	h := remoteChain(local, logger, connectivity.WithBreakerThreshold(1))(markstore.SvcGetMarksForURL, "http")(down)
	for i := 0; i < 2; i++ {
		resp, err := h(ctx, payload)
		var marks []mark.Mark
		if err != nil || json.Unmarshal(resp, &marks) != nil || len(marks) != 1 {
			t.Fatalf("call %d: %s, %v", i, resp, err)
		}
	}
	if calls != attempts {
		t.Fatalf("remote called %d times, want %d", calls, attempts)
	}
}
