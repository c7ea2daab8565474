package markstore

import (
	"context"
	"time"

	"github.com/hazyhaar/webmarker/watch"
)

// WatchExternal notifies websocket clients about writes made by other
// processes on the same database file, such as a one-shot cleanup run next
// to the daemon. It follows the activity log and broadcasts one refresh per
// page touched. Writes made through this Service are seen too, so a panel
// may refresh twice for them. Blocks until ctx is done.
func (s *Service) WatchExternal(ctx context.Context, interval time.Duration) {
	var last int64
	if err := s.store.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(rowid), 0) FROM mark_events`).Scan(&last); err != nil {
		s.logger.Warn("markstore: watch baseline", "error", err)
	}

	w := watch.New(s.store.DB, watch.Options{
		Interval: interval,
		Debounce: interval,
		Detector: watch.MaxRowID("mark_events"),
		Logger:   s.logger,
	})
	w.Run(ctx, func(ctx context.Context) error {
		rows, err := s.store.DB.QueryContext(ctx,
			`SELECT url, MAX(rowid) FROM mark_events WHERE rowid > ? AND success = 1 GROUP BY url`, last)
		if err != nil {
			return err
		}
		defer rows.Close()
		var urls []string
		top := last
		for rows.Next() {
			var url string
			var id int64
			if err := rows.Scan(&url, &id); err != nil {
				return err
			}
			urls = append(urls, url)
			top = max(top, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, u := range urls {
			s.changed(u)
		}
		last = top
		return nil
	})
}
