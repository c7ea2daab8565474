// Package watch polls a SQLite database for a version token and runs an
// action once the token has moved and stayed still for the debounce window.
// The daemon uses it to reload routes and to tell side panels about writes
// made by other processes sharing the database file.
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads the version token. Two different values mean a change.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	Interval time.Duration // default 1s
	Debounce time.Duration // 0 fires on the poll that saw the change
	Detector Detector      // default DataVersion
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs one polling loop.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	fired   atomic.Int64
	failed  atomic.Int64
}

func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Version is the last token whose action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Fired counts successful actions.
func (w *Watcher) Fired() int64 { return w.fired.Load() }

// Run blocks until ctx is done. The first token read is the baseline and
// does not fire. A failing action leaves the version where it was, so the
// next poll tries again.
func (w *Watcher) Run(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger
	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending := int64(-1)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounceC = nil
	}
	defer stopDebounce()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("watch: version check", "error", err)
				}
				continue
			}
			if cur == w.version.Load() {
				if pending >= 0 {
					stopDebounce()
					pending = -1
				}
				continue
			}
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, cur)
				continue
			}
			if cur != pending {
				pending = cur
				stopDebounce()
				debounce = time.NewTimer(w.opts.Debounce)
				debounceC = debounce.C
			}

		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, v int64) {
	if err := action(ctx); err != nil {
		w.failed.Add(1)
		w.opts.Logger.Error("watch: action failed", "version", v, "error", err)
		return
	}
	w.version.Store(v)
	w.fired.Add(1)
	w.opts.Logger.Debug("watch: fired", "version", v)
}

// DataVersion reads PRAGMA data_version, which moves when another
// connection commits to the same database.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// UserVersion reads PRAGMA user_version, bumped explicitly by writers.
func UserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// MaxRowID tracks the highest rowid of an append-only table.
func MaxRowID(table string) Detector {
	q := `SELECT COALESCE(MAX(rowid), 0) FROM "` + strings.ReplaceAll(table, `"`, `""`) + `"`
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, q).Scan(&v)
		return v, err
	}
}
