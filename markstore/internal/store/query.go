package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/hazyhaar/webmarker/mark"
)

// Usage sums what the marks take.
type Usage struct {
	Bytes int64 `json:"bytes"`
	Marks int64 `json:"marks"`
	URLs  int64 `json:"urls"`
}

// Usage counts stored bytes (every text field), marks and pages.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	err := s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(
		         length(CAST(id AS BLOB)) + length(CAST(url AS BLOB)) + length(CAST(text AS BLOB)) +
		         length(CAST(html AS BLOB)) + length(CAST(note AS BLOB)) + length(CAST(color AS BLOB)) +
		         length(CAST(range_descriptor AS BLOB)) + length(CAST(shadow_host_path AS BLOB)) +
		         length(CAST(title AS BLOB)) + length(CAST(context_title AS BLOB)) +
		         length(CAST(context_selector AS BLOB))), 0),
		       COUNT(*),
		       COUNT(DISTINCT url)
		FROM marks`).Scan(&u.Bytes, &u.Marks, &u.URLs)
	if err != nil {
		return Usage{}, fmt.Errorf("store: usage: %w", err)
	}
	return u, nil
}

// URLSummary is one page of the side panel list.
type URLSummary struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Marks      int    `json:"marks"`
	Annotated  int    `json:"annotated"`
	LastMarkAt int64  `json:"last_mark_at"`
}

// URLs lists the pages holding marks, most recently marked first.
func (s *Store) URLs(ctx context.Context) ([]URLSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT url,
		       (SELECT title FROM marks t WHERE t.url = m.url ORDER BY seq DESC LIMIT 1),
		       COUNT(*),
		       SUM(CASE WHEN trim(note) != '' THEN 1 ELSE 0 END),
		       MAX(created_at)
		FROM marks m
		GROUP BY url
		ORDER BY MAX(created_at) DESC, url`)
	if err != nil {
		return nil, fmt.Errorf("store: urls: %w", err)
	}
	defer rows.Close()
	out := []URLSummary{}
	for rows.Next() {
		var u URLSummary
		if err := rows.Scan(&u.URL, &u.Title, &u.Marks, &u.Annotated, &u.LastMarkAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SearchResult is a mark matched by full-text search.
type SearchResult struct {
	mark.Mark
	Rank float64 `json:"rank"`
}

// SearchOptions controls Search.
type SearchOptions struct {
	Query string
	URL   string // optional: restrict to one page
	Limit int    // default 20
}

// Search runs an FTS5 query over text, note and title, best match first.
// Free text is quoted term by term so user input never reaches the FTS
// query syntax.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	q := ftsQuery(opts.Query)
	if q == "" {
		return []SearchResult{}, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	where := "marks_fts MATCH ?"
	args := []any{q}
	if opts.URL != "" {
		where += " AND m.url = ?"
		args = append(args, opts.URL)
	}
	args = append(args, opts.Limit)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT m.id, m.url, m.text, m.html, m.note, m.color, m.range_descriptor, m.shadow_host_path,
		       m.created_at, m.title, m.context_title, m.context_selector, m.context_level, m.context_order,
		       rank
		FROM marks_fts
		JOIN marks m ON m.seq = marks_fts.rowid
		WHERE `+where+`
		ORDER BY rank
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()
	out := []SearchResult{}
	for rows.Next() {
		var r SearchResult
		m := &r.Mark
		if err := rows.Scan(&m.ID, &m.URL, &m.Text, &m.HTML, &m.Note, &m.Color, &m.RangeDescriptor,
			&m.ShadowHostPath, &m.CreatedAt, &m.Title, &m.ContextTitle, &m.ContextSelector,
			&m.ContextLevel, &m.ContextOrder, &r.Rank); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func ftsQuery(s string) string {
	var terms []string
	for _, f := range strings.Fields(s) {
		if !strings.ContainsFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
			continue
		}
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}
