// Package observability records what happens to marks (an activity log in
// SQLite) and how long collaborator calls take.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/webmarker/idgen"
)

// Event kinds.
const (
	KindAdd     = "add"
	KindUpdate  = "update"
	KindRemove  = "remove"
	KindCleanup = "cleanup"
)

// MarkEvent is one row of the activity log.
type MarkEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url,omitempty"`
	MarkID    string    `json:"mark_id,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Client    string    `json:"client,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

// EventLogger writes MarkEvents. Write failures are logged and swallowed so
// the activity log never fails a store operation.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the event id generator. Default: "evt_" + UUIDv7.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventClock sets the timestamp source.
func WithEventClock(now func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.now = now }
}

// WithEventLogger sets the slog logger used for write failures.
func WithEventLogger(lg *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = lg }
}

// NewEventLogger creates a logger over a database where Init has run.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records ev. ID and CreatedAt are filled in when zero.
func (l *EventLogger) LogEvent(ctx context.Context, ev MarkEvent) {
	if ev.ID == "" {
		ev.ID = l.newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	var details sql.NullString
	if ev.Details != "" {
		details = sql.NullString{String: ev.Details, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO mark_events (event_id, kind, url, mark_id, transport, client, request_id, details, success, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.Kind, ev.URL, ev.MarkID, ev.Transport, ev.Client, ev.RequestID, details, ev.Success, ev.CreatedAt.UnixMilli())
	if err != nil {
		l.logger.Error("observability: log event", "kind", ev.Kind, "mark_id", ev.MarkID, "error", err)
	}
}

// Recent returns the latest events, newest first. An empty url means every
// page.
func (l *EventLogger) Recent(ctx context.Context, url string, limit int) ([]MarkEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_id, kind, url, mark_id, transport, client, request_id, COALESCE(details, ''), success, created_at
		FROM mark_events`
	args := []any{}
	if url != "" {
		q += ` WHERE url = ?`
		args = append(args, url)
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: recent events: %w", err)
	}
	defer rows.Close()

	var out []MarkEvent
	for rows.Next() {
		var ev MarkEvent
		var ms int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.URL, &ev.MarkID, &ev.Transport, &ev.Client, &ev.RequestID, &ev.Details, &ev.Success, &ms); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(ms)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than days and returns how many went.
// days <= 0 keeps everything.
func (l *EventLogger) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := l.now().AddDate(0, 0, -days).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM mark_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup events: %w", err)
	}
	return res.RowsAffected()
}
