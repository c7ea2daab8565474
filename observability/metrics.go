package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Call is one collaborator call as seen by the router middleware.
type Call struct {
	Service  string
	Strategy string
	Duration time.Duration
	OK       bool
	At       time.Time
}

// ServiceStats aggregates the calls of one service.
type ServiceStats struct {
	Service string  `json:"service"`
	Calls   int     `json:"calls"`
	Errors  int     `json:"errors"`
	AvgMs   float64 `json:"avg_ms"`
	MaxMs   float64 `json:"max_ms"`
}

// MetricsManager buffers calls in memory and writes them in one transaction
// per flush. A full buffer flushes immediately.
type MetricsManager struct {
	db        *sql.DB
	size      int
	mu        sync.Mutex
	buf       []Call
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMetricsManager starts the flush goroutine. Close stops it.
func NewMetricsManager(db *sql.DB, bufferSize int, interval time.Duration) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	mm := &MetricsManager{
		db:   db,
		size: bufferSize,
		buf:  make([]Call, 0, bufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go mm.loop(interval)
	return mm
}

// Record queues c.
func (mm *MetricsManager) Record(c Call) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buf = append(mm.buf, c)
	if len(mm.buf) >= mm.size {
		mm.flushLocked()
	}
}

// Flush writes the buffered calls now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Summary aggregates calls recorded since since, per service.
func (mm *MetricsManager) Summary(ctx context.Context, since time.Time) ([]ServiceStats, error) {
	rows, err := mm.db.QueryContext(ctx, `
		SELECT service, COUNT(*), SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END),
		       AVG(duration_us) / 1000.0, MAX(duration_us) / 1000.0
		FROM call_metrics WHERE created_at >= ?
		GROUP BY service ORDER BY service`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("observability: summary: %w", err)
	}
	defer rows.Close()

	var out []ServiceStats
	for rows.Next() {
		var s ServiceStats
		if err := rows.Scan(&s.Service, &s.Calls, &s.Errors, &s.AvgMs, &s.MaxMs); err != nil {
			return nil, fmt.Errorf("observability: scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup deletes calls older than days.
func (mm *MetricsManager) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	res, err := mm.db.ExecContext(ctx, `DELETE FROM call_metrics WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes what is left and stops the goroutine.
func (mm *MetricsManager) Close() error {
	mm.closeOnce.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) loop(interval time.Duration) {
	defer close(mm.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buf) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability: metrics begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO call_metrics (service, strategy, duration_us, ok, created_at) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability: metrics prepare", "error", err)
		return
	}
	defer stmt.Close()
	for _, c := range mm.buf {
		if _, err := stmt.ExecContext(ctx, c.Service, c.Strategy, c.Duration.Microseconds(), c.OK, c.At.UnixMilli()); err != nil {
			slog.Error("observability: metrics insert", "service", c.Service, "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("observability: metrics commit", "error", err)
	}
	mm.buf = mm.buf[:0]
}
