package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/webmarker/dbopen"
	"github.com/hazyhaar/webmarker/mark"
)

const markColumns = `id, url, text, html, note, color, range_descriptor, shadow_host_path,
	created_at, title, context_title, context_selector, context_level, context_order`

type scanner interface {
	Scan(dest ...any) error
}

func scanMark(sc scanner) (mark.Mark, error) {
	var m mark.Mark
	err := sc.Scan(&m.ID, &m.URL, &m.Text, &m.HTML, &m.Note, &m.Color, &m.RangeDescriptor,
		&m.ShadowHostPath, &m.CreatedAt, &m.Title, &m.ContextTitle, &m.ContextSelector,
		&m.ContextLevel, &m.ContextOrder)
	return m, err
}

// InsertMark appends m to its page.
func (s *Store) InsertMark(ctx context.Context, m mark.Mark) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO marks (`+markColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.URL, m.Text, m.HTML, m.Note, m.Color, m.RangeDescriptor, m.ShadowHostPath,
		m.CreatedAt, m.Title, m.ContextTitle, m.ContextSelector, m.ContextLevel, m.ContextOrder)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, m.ID)
		}
		return fmt.Errorf("store: insert mark: %w", err)
	}
	return nil
}

// MarksForURL returns the marks of url in insertion order.
func (s *Store) MarksForURL(ctx context.Context, url string) ([]mark.Mark, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+markColumns+` FROM marks WHERE url = ? ORDER BY seq`, url)
	if err != nil {
		return nil, fmt.Errorf("store: marks for url: %w", err)
	}
	defer rows.Close()
	out := []mark.Mark{}
	for rows.Next() {
		m, err := scanMark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMark returns nil when the page has no mark id.
func (s *Store) GetMark(ctx context.Context, url, id string) (*mark.Mark, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+markColumns+` FROM marks WHERE url = ? AND id = ?`, url, id)
	m, err := scanMark(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get mark: %w", err)
	}
	return &m, nil
}

// DeleteMark removes one mark and reports whether it existed.
func (s *Store) DeleteMark(ctx context.Context, url, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM marks WHERE url = ? AND id = ?`, url, id)
	if err != nil {
		return false, fmt.Errorf("store: delete mark: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteURL removes every mark of url.
func (s *Store) DeleteURL(ctx context.Context, url string) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM marks WHERE url = ?`, url)
	if err != nil {
		return 0, fmt.Errorf("store: delete url: %w", err)
	}
	return res.RowsAffected()
}

// UpdateDetails sets the non-nil fields. The range descriptor is never
// touched. It reports whether the mark exists.
func (s *Store) UpdateDetails(ctx context.Context, url, id string, note, color *string) (bool, error) {
	var (
		sets []string
		args []any
	)
	if note != nil {
		sets = append(sets, "note = ?")
		args = append(args, *note)
	}
	if color != nil {
		sets = append(sets, "color = ?")
		args = append(args, *color)
	}
	if len(sets) == 0 {
		m, err := s.GetMark(ctx, url, id)
		return m != nil, err
	}
	args = append(args, url, id)
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE marks SET `+strings.Join(sets, ", ")+` WHERE url = ? AND id = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("store: update mark: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteCreatedBefore keeps only the marks created strictly after cutoff
// (unix ms) and returns how many were removed.
func (s *Store) DeleteCreatedBefore(ctx context.Context, cutoff int64) (int64, error) {
	return s.bulkDelete(ctx, `DELETE FROM marks WHERE created_at <= ?`, cutoff)
}

// DeleteUnannotated keeps only the marks with a non-blank note.
func (s *Store) DeleteUnannotated(ctx context.Context) (int64, error) {
	return s.bulkDelete(ctx, `DELETE FROM marks WHERE trim(note) = ''`)
}

func (s *Store) bulkDelete(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: cleanup: %w", err)
	}
	return n, nil
}
