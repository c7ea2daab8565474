// Package markstore is the persistence collaborator of the engine: marks
// grouped by canonical URL in SQLite, served to pages over connectivity,
// to agents over MCP and to the side panel over HTTP and a websocket.
//
// Usage:
//
//	svc, err := markstore.Open(cfg)
//	defer svc.Close()
//	svc.RegisterConnectivity(router)
//	http.ListenAndServe(cfg.Addr, svc.Handler())
package markstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/webmarker/connectivity"
	"github.com/hazyhaar/webmarker/dbopen"
	"github.com/hazyhaar/webmarker/kit"
	"github.com/hazyhaar/webmarker/mark"
	"github.com/hazyhaar/webmarker/markstore/internal/store"
	"github.com/hazyhaar/webmarker/observability"
)

// Service is the mark store.
type Service struct {
	store    *store.Store
	events   *observability.EventLogger
	hub      *Hub
	policy   *bluemonday.Policy
	md       *converter.Converter
	cfg      *Config
	logger   *slog.Logger
	now      func() time.Time
	metrics  *observability.MetricsManager
	handlers map[string]connectivity.Handler
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock sets the time source of cleanups and the activity log.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithMetrics records every RPC call in mm.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// Open opens the database named by cfg.
func Open(cfg *Config, opts ...Option) (*Service, error) {
	cfg.Defaults()
	st, err := store.Open(cfg.DBPath, dbopen.WithSchema(observability.Schema))
	if err != nil {
		return nil, fmt.Errorf("markstore: %w", err)
	}
	return newService(st, cfg, opts...), nil
}

// NewWithDB serves marks from an already open database, creating the tables
// when missing.
func NewWithDB(db *sql.DB, cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Defaults()
	if _, err := db.Exec(store.Schema); err != nil {
		return nil, fmt.Errorf("markstore: schema: %w", err)
	}
	if err := observability.Init(db); err != nil {
		return nil, fmt.Errorf("markstore: schema: %w", err)
	}
	return newService(&store.Store{DB: db}, cfg, opts...), nil
}

func newService(st *store.Store, cfg *Config, opts ...Option) *Service {
	s := &Service{
		store:  st,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	for _, o := range opts {
		o(s)
	}
	s.events = observability.NewEventLogger(st.DB,
		observability.WithEventClock(s.now),
		observability.WithEventLogger(s.logger))
	s.hub = NewHub(s.logger)
	s.handlers = s.buildHandlers()
	return s
}

// Close disconnects websocket clients and closes the database.
func (s *Service) Close() error {
	s.hub.Close()
	return s.store.Close()
}

// Hub returns the change notification hub.
func (s *Service) Hub() *Hub { return s.hub }

// Events returns the activity log.
func (s *Service) Events() *observability.EventLogger { return s.events }

// DB returns the underlying database, shared with the route table and
// the call metrics.
func (s *Service) DB() *sql.DB { return s.store.DB }

// Config returns the effective configuration.
func (s *Service) Config() *Config { return s.cfg }

// key canonicalizes url when it is absolute; other keys are used as given.
func key(url string) string {
	if c, err := mark.CanonicalURL(url); err == nil {
		return c
	}
	return url
}

func (s *Service) logEvent(ctx context.Context, kind, url, id, details string, err error) {
	ev := observability.MarkEvent{
		Kind:      kind,
		URL:       url,
		MarkID:    id,
		Transport: kit.GetTransport(ctx),
		Client:    kit.GetClient(ctx),
		RequestID: kit.GetRequestID(ctx),
		Details:   details,
		Success:   err == nil,
	}
	if err != nil {
		ev.Details = err.Error()
	}
	s.events.LogEvent(ctx, ev)
}

// changed tells the side panels that url's marks moved. An empty url means
// every page.
func (s *Service) changed(url string) {
	s.hub.Broadcast(Notification{Type: NotifyRefresh, URL: url})
}

// MarksForURL returns the marks of url in insertion order.
func (s *Service) MarksForURL(ctx context.Context, url string) ([]mark.Mark, error) {
	return s.store.MarksForURL(ctx, key(url))
}

// GetMark returns nil, nil when the page holds no mark id.
func (s *Service) GetMark(ctx context.Context, url, id string) (*mark.Mark, error) {
	return s.store.GetMark(ctx, key(url), id)
}

// AddMark validates, sanitizes and appends m to its page.
func (s *Service) AddMark(ctx context.Context, m mark.Mark) error {
	m.URL = key(m.URL)
	err := s.addMark(ctx, &m)
	s.logEvent(ctx, observability.KindAdd, m.URL, m.ID, "", err)
	if err != nil {
		return err
	}
	s.changed(m.URL)
	return nil
}

func (s *Service) addMark(ctx context.Context, m *mark.Mark) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Color == "" {
		m.Color = s.cfg.Settings.DefaultColor
	}
	if !mark.ValidColor(m.Color) {
		return fmt.Errorf("%w: color %q", mark.ErrInvalid, m.Color)
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.now().UnixMilli()
	}
	if m.ContextTitle == "" {
		m.ContextTitle = mark.Uncategorized
		m.ContextOrder = -1
	}
	m.HTML = s.policy.Sanitize(m.HTML)
	return s.store.InsertMark(ctx, *m)
}

// RemoveMark deletes one mark. Removing a missing mark is not an error.
func (s *Service) RemoveMark(ctx context.Context, url, id string) error {
	url = key(url)
	found, err := s.store.DeleteMark(ctx, url, id)
	details := ""
	if err == nil && !found {
		details = "not found"
	}
	s.logEvent(ctx, observability.KindRemove, url, id, details, err)
	if err != nil {
		return err
	}
	if found {
		s.changed(url)
	}
	return nil
}

// UpdateMarkDetails sets the note and/or color of a mark. Nil fields are
// left alone; updating a missing mark does nothing.
func (s *Service) UpdateMarkDetails(ctx context.Context, url, id string, note, color *string) error {
	url = key(url)
	if color != nil && !mark.ValidColor(*color) {
		err := fmt.Errorf("%w: color %q", mark.ErrInvalid, *color)
		s.logEvent(ctx, observability.KindUpdate, url, id, "", err)
		return err
	}
	found, err := s.store.UpdateDetails(ctx, url, id, note, color)
	details := ""
	if err == nil && !found {
		details = "not found"
	}
	s.logEvent(ctx, observability.KindUpdate, url, id, details, err)
	if err != nil {
		return err
	}
	if found {
		s.changed(url)
	}
	return nil
}

// RemoveMarksByURL deletes every mark of a page.
func (s *Service) RemoveMarksByURL(ctx context.Context, url string) (int64, error) {
	url = key(url)
	n, err := s.store.DeleteURL(ctx, url)
	s.logEvent(ctx, observability.KindRemove, url, "", fmt.Sprintf("removed %d", n), err)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.changed(url)
	}
	return n, nil
}

// CleanupOldMarks keeps the marks created within the last days.
func (s *Service) CleanupOldMarks(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, errors.New("markstore: days must not be negative")
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	n, err := s.store.DeleteCreatedBefore(ctx, cutoff)
	s.cleaned(ctx, fmt.Sprintf("older than %d days: removed %d", days, n), n, err)
	return n, err
}

// CleanupUselessMarks keeps only the marks carrying a note.
func (s *Service) CleanupUselessMarks(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteUnannotated(ctx)
	s.cleaned(ctx, fmt.Sprintf("unannotated: removed %d", n), n, err)
	return n, err
}

func (s *Service) cleaned(ctx context.Context, details string, n int64, err error) {
	s.logEvent(ctx, observability.KindCleanup, "", "", details, err)
	if err == nil && n > 0 {
		s.changed("")
	}
	if _, cerr := s.events.Cleanup(ctx, s.cfg.EventRetentionDays); cerr != nil {
		s.logger.Warn("markstore: event retention", "error", cerr)
	}
}

// Usage is the storage footprint of the marks. Used mirrors Bytes under the
// "usage" key so side panels reading {usage, quota} keep working.
type Usage struct {
	store.Usage
	Used  int64 `json:"usage"`
	Quota int64 `json:"quota"`
}

// Usage reports stored bytes, counts and the configured quota.
func (s *Service) Usage(ctx context.Context) (Usage, error) {
	u, err := s.store.Usage(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Usage: u, Used: u.Bytes, Quota: s.cfg.QuotaBytes}, nil
}

// Search runs a full-text search over mark text, notes and page titles.
func (s *Service) Search(ctx context.Context, query, url string, limit int) ([]store.SearchResult, error) {
	if url != "" {
		url = key(url)
	}
	return s.store.Search(ctx, store.SearchOptions{Query: query, URL: url, Limit: limit})
}

// ListURLs lists the pages holding marks.
func (s *Service) ListURLs(ctx context.Context) ([]store.URLSummary, error) {
	return s.store.URLs(ctx)
}
