// Package trace registers "sqlite-trace", a modernc.org/sqlite driver that
// logs every statement through slog: debug normally, warn past SlowQuery,
// error on failure. The request id from kit is attached when present.
//
//	db, _ := dbopen.Open(path, dbopen.WithTrace())
package trace

import (
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the name to pass to sql.Open.
const DriverName = "sqlite-trace"

// SlowQuery is the duration past which a statement logs at warn.
const SlowQuery = 100 * time.Millisecond

var logger atomic.Pointer[slog.Logger]

// SetLogger routes trace output to l instead of slog.Default. Nil restores
// the default.
func SetLogger(l *slog.Logger) { logger.Store(l) }

func log() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func init() {
	sql.Register(DriverName, &tracingDriver{Driver: &sqlite.Driver{}})
}
