package trace

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/webmarker/kit"
)

func TestTracingDriver(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer SetLogger(nil)

	db, err := sql.Open(DriverName, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := kit.WithRequestID(context.Background(), "req_test")
	if _, err := db.ExecContext(ctx, `CREATE TABLE t (v TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO t (v) VALUES (?)`, "x"); err != nil {
		t.Fatal(err)
	}
	var v string
	if err := db.QueryRowContext(ctx, `SELECT v FROM t`).Scan(&v); err != nil || v != "x" {
		t.Fatalf("select: %q, %v", v, err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO missing VALUES (1)`); err == nil {
		t.Fatal("expected error")
	}
	db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(new(int64))

	type line struct {
		Level     string `json:"level"`
		Op        string `json:"op"`
		Query     string `json:"query"`
		RequestID string `json:"request_id"`
	}
	var lines []line
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			t.Fatalf("bad log line %q: %v", raw, err)
		}
		lines = append(lines, l)
	}
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4: %s", len(lines), buf.String())
	}
	if lines[2].Op != "query" || lines[2].Query != "SELECT v FROM t" || lines[2].RequestID != "req_test" {
		t.Errorf("select line = %+v", lines[2])
	}
	if lines[3].Level != "ERROR" || !strings.Contains(lines[3].Query, "missing") {
		t.Errorf("error line = %+v", lines[3])
	}
}
