package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/webmarker/watch"
)

// Schema is the routes table. Any write bumps PRAGMA data_version, which
// Watch polls.
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'mcp', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// Init creates the routes table.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Watch reloads the router now and then whenever data_version changes,
// until ctx is done.
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("connectivity: initial reload", "error", err)
	}
	w := watch.New(db, watch.Options{Interval: interval, Logger: r.logger})
	w.Run(ctx, func(ctx context.Context) error { return r.Reload(ctx, db) })
}

// RouteRow is one row of the routes table.
type RouteRow struct {
	Service   string          `json:"service"`
	Strategy  string          `json:"strategy"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// Admin edits the routes table. Watch picks the edits up.
type Admin struct {
	db *sql.DB
}

// NewAdmin returns an Admin over a database where Init has run.
func NewAdmin(db *sql.DB) *Admin { return &Admin{db: db} }

// List returns every route ordered by service.
func (a *Admin) List(ctx context.Context) ([]RouteRow, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at
		 FROM routes ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("connectivity: list routes: %w", err)
	}
	defer rows.Close()
	var out []RouteRow
	for rows.Next() {
		var rr RouteRow
		var cfg string
		if err := rows.Scan(&rr.Service, &rr.Strategy, &rr.Endpoint, &cfg, &rr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("connectivity: scan route: %w", err)
		}
		rr.Config = json.RawMessage(cfg)
		out = append(out, rr)
	}
	return out, rows.Err()
}

// Upsert sets the route of service.
func (a *Admin) Upsert(ctx context.Context, service, strategy, endpoint string, config json.RawMessage) error {
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO routes (service_name, strategy, endpoint, config) VALUES (?, ?, ?, ?)
		 ON CONFLICT(service_name) DO UPDATE SET
		     strategy = excluded.strategy, endpoint = excluded.endpoint,
		     config = excluded.config, updated_at = strftime('%s', 'now')`,
		service, strategy, endpoint, string(config))
	if err != nil {
		return fmt.Errorf("connectivity: upsert route %s: %w", service, err)
	}
	return nil
}

// Delete removes the route of service, which falls back to its local handler.
func (a *Admin) Delete(ctx context.Context, service string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM routes WHERE service_name = ?`, service)
	if err != nil {
		return fmt.Errorf("connectivity: delete route %s: %w", service, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connectivity: route %q not found", service)
	}
	return nil
}
