package observability

import "database/sql"

// Schema holds the activity tables. They live next to the marks by default
// but can be given their own database.
const Schema = `
CREATE TABLE IF NOT EXISTS mark_events (
    event_id   TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    url        TEXT NOT NULL DEFAULT '',
    mark_id    TEXT NOT NULL DEFAULT '',
    transport  TEXT NOT NULL DEFAULT '',
    client     TEXT NOT NULL DEFAULT '',
    request_id TEXT NOT NULL DEFAULT '',
    details    TEXT,
    success    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mark_events_url ON mark_events(url, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_mark_events_time ON mark_events(created_at DESC);

CREATE TABLE IF NOT EXISTS call_metrics (
    service     TEXT NOT NULL,
    strategy    TEXT NOT NULL,
    duration_us INTEGER NOT NULL,
    ok          INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_metrics_service ON call_metrics(service, created_at DESC);
`

// Init applies Schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
