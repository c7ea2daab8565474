package markstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/hazyhaar/webmarker/connectivity"
	"github.com/hazyhaar/webmarker/mark"
)

// Service names, one per message of the page and side panel protocol.
const (
	SvcGetMarksForURL   = "get-marks-for-url"
	SvcAddMark          = "add-mark"
	SvcRemoveMarkByID   = "remove-mark-by-id"
	SvcUpdateDetails    = "update-mark-details"
	SvcGetMarkByID      = "get-mark-by-id"
	SvcUpdateNote       = "update-mark-note"
	SvcRemoveMarksByURL = "remove-marks-by-url"
	SvcCleanupOld       = "cleanup-old-marks"
	SvcCleanupUseless   = "cleanup-useless-marks"
	SvcStorageUsage     = "get-storage-usage"
	SvcSearch           = "search-marks"
	SvcListURLs         = "list-urls"
	SvcExportMarkdown   = "export-markdown"
)

type urlRequest struct {
	URL string `json:"url"`
}

type markRef struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

type detailsRequest struct {
	URL   string  `json:"url"`
	ID    string  `json:"id"`
	Note  *string `json:"note,omitempty"`
	Color *string `json:"color,omitempty"`
}

type noteRequest struct {
	URL   string `json:"url"`
	ID    string `json:"id"`
	Note  string `json:"note"`
	Color string `json:"color"`
}

type daysRequest struct {
	Days int `json:"days"`
}

type searchRequest struct {
	Query string `json:"query"`
	URL   string `json:"url,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type removedResponse struct {
	Removed int64 `json:"removed"`
}

type markdownResponse struct {
	URL      string `json:"url"`
	Markdown string `json:"markdown"`
}

var empty = []byte("{}")

// RegisterConnectivity registers the mark services on a connectivity Router.
//
// Registered services:
//
//	get-marks-for-url     {url}                  → []Mark, insertion order
//	add-mark              Mark                   → {}
//	remove-mark-by-id     {url, id}              → {}
//	update-mark-details   {url, id, note?, color?} → {}
//	get-mark-by-id        {url, id}              → Mark | null
//	update-mark-note      {url, id, note, color} → {}
//	remove-marks-by-url   {url}                  → {removed}
//	cleanup-old-marks     {days}                 → {removed}
//	cleanup-useless-marks {}                     → {removed}
//	get-storage-usage     {}                     → {bytes, usage, marks, urls, quota}
//	search-marks          {query, url?, limit?}  → []SearchResult
//	list-urls             {}                     → []URLSummary
//	export-markdown       {url}                  → {url, markdown}
func (s *Service) RegisterConnectivity(router *connectivity.Router) {
	for _, name := range s.Services() {
		router.RegisterLocal(name, s.handlers[name])
	}
}

// ServiceNames lists every store service, sorted. Remote clients route
// each of them to a daemon.
func ServiceNames() []string {
	return slices.Sorted(maps.Keys((&Service{}).buildHandlers()))
}

// Services returns the registered service names, sorted.
func (s *Service) Services() []string {
	return slices.Sorted(maps.Keys(s.handlers))
}

func (s *Service) buildHandlers() map[string]connectivity.Handler {
	hs := map[string]connectivity.Handler{
		SvcGetMarksForURL:   s.handleGetMarks,
		SvcAddMark:          s.handleAddMark,
		SvcRemoveMarkByID:   s.handleRemoveMark,
		SvcUpdateDetails:    s.handleUpdateDetails,
		SvcGetMarkByID:      s.handleGetMark,
		SvcUpdateNote:       s.handleUpdateNote,
		SvcRemoveMarksByURL: s.handleRemoveByURL,
		SvcCleanupOld:       s.handleCleanupOld,
		SvcCleanupUseless:   s.handleCleanupUseless,
		SvcStorageUsage:     s.handleUsage,
		SvcSearch:           s.handleSearch,
		SvcListURLs:         s.handleListURLs,
		SvcExportMarkdown:   s.handleExport,
	}
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	for name, h := range hs {
		mws := []connectivity.HandlerMiddleware{
			connectivity.Logging(logger, name),
			connectivity.Recovery(logger),
		}
		if s.metrics != nil {
			mws = append([]connectivity.HandlerMiddleware{connectivity.Metrics(s.metrics, name, "local")}, mws...)
		}
		hs[name] = connectivity.Chain(mws...)(h)
	}
	return hs
}

// LocalHandler returns the in-process handler of a service, or nil.
func (s *Service) LocalHandler(name string) connectivity.Handler {
	return s.handlers[name]
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (s *Service) handleGetMarks(ctx context.Context, payload []byte) ([]byte, error) {
	var req urlRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, fmt.Errorf("%w: url required", mark.ErrInvalid)
	}
	marks, err := s.MarksForURL(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	return json.Marshal(marks)
}

func (s *Service) handleAddMark(ctx context.Context, payload []byte) ([]byte, error) {
	var m mark.Mark
	if err := decode(payload, &m); err != nil {
		return nil, err
	}
	if err := s.AddMark(ctx, m); err != nil {
		return nil, err
	}
	return empty, nil
}

func (s *Service) handleRemoveMark(ctx context.Context, payload []byte) ([]byte, error) {
	var req markRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := s.RemoveMark(ctx, req.URL, req.ID); err != nil {
		return nil, err
	}
	return empty, nil
}

func (s *Service) handleUpdateDetails(ctx context.Context, payload []byte) ([]byte, error) {
	var req detailsRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := s.UpdateMarkDetails(ctx, req.URL, req.ID, req.Note, req.Color); err != nil {
		return nil, err
	}
	return empty, nil
}

func (s *Service) handleGetMark(ctx context.Context, payload []byte) ([]byte, error) {
	var req markRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	m, err := s.GetMark(ctx, req.URL, req.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// handleUpdateNote only changes the note; color is part of the payload but
// ignored, as the side panel sends the mark's current color along.
func (s *Service) handleUpdateNote(ctx context.Context, payload []byte) ([]byte, error) {
	var req noteRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := s.UpdateMarkDetails(ctx, req.URL, req.ID, &req.Note, nil); err != nil {
		return nil, err
	}
	return empty, nil
}

func (s *Service) handleRemoveByURL(ctx context.Context, payload []byte) ([]byte, error) {
	var req urlRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	n, err := s.RemoveMarksByURL(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	return json.Marshal(removedResponse{Removed: n})
}

func (s *Service) handleCleanupOld(ctx context.Context, payload []byte) ([]byte, error) {
	var req daysRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	n, err := s.CleanupOldMarks(ctx, req.Days)
	if err != nil {
		return nil, err
	}
	return json.Marshal(removedResponse{Removed: n})
}

func (s *Service) handleCleanupUseless(ctx context.Context, _ []byte) ([]byte, error) {
	n, err := s.CleanupUselessMarks(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(removedResponse{Removed: n})
}

func (s *Service) handleUsage(ctx context.Context, _ []byte) ([]byte, error) {
	u, err := s.Usage(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(u)
}

func (s *Service) handleSearch(ctx context.Context, payload []byte) ([]byte, error) {
	var req searchRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	res, err := s.Search(ctx, req.Query, req.URL, req.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (s *Service) handleListURLs(ctx context.Context, _ []byte) ([]byte, error) {
	urls, err := s.ListURLs(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(urls)
}

func (s *Service) handleExport(ctx context.Context, payload []byte) ([]byte, error) {
	var req urlRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	md, err := s.ExportMarkdown(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	return json.Marshal(markdownResponse{URL: key(req.URL), Markdown: md})
}
