package markstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/webmarker/connectivity"
	"github.com/hazyhaar/webmarker/mark"
)

// Client reaches the mark services through a connectivity Router, so a page
// session works the same against an in-process Service or a remote daemon.
// It satisfies the engine's Store.
type Client struct {
	router *connectivity.Router
}

// NewClient returns a client calling through r.
func NewClient(r *connectivity.Router) *Client {
	return &Client{router: r}
}

func (c *Client) call(ctx context.Context, service string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("markstore: %s: encode: %w", service, err)
	}
	out, err := c.router.Call(ctx, service, payload)
	if err != nil {
		return fmt.Errorf("markstore: %s: %w", service, err)
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("markstore: %s: decode: %w", service, err)
	}
	return nil
}

// MarksForURL implements restore.Source.
func (c *Client) MarksForURL(ctx context.Context, url string) ([]mark.Mark, error) {
	var marks []mark.Mark
	if err := c.call(ctx, SvcGetMarksForURL, urlRequest{URL: url}, &marks); err != nil {
		return nil, err
	}
	return marks, nil
}

// AddMark stores a new mark.
func (c *Client) AddMark(ctx context.Context, m mark.Mark) error {
	return c.call(ctx, SvcAddMark, m, nil)
}

// RemoveMark deletes a mark.
func (c *Client) RemoveMark(ctx context.Context, url, id string) error {
	return c.call(ctx, SvcRemoveMarkByID, markRef{URL: url, ID: id}, nil)
}

// UpdateMarkDetails changes the non-nil fields of a mark.
func (c *Client) UpdateMarkDetails(ctx context.Context, url, id string, note, color *string) error {
	return c.call(ctx, SvcUpdateDetails, detailsRequest{URL: url, ID: id, Note: note, Color: color}, nil)
}

// GetMark returns nil, nil for a missing mark.
func (c *Client) GetMark(ctx context.Context, url, id string) (*mark.Mark, error) {
	var m *mark.Mark
	if err := c.call(ctx, SvcGetMarkByID, markRef{URL: url, ID: id}, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ExportMarkdown returns the Markdown digest of a page.
func (c *Client) ExportMarkdown(ctx context.Context, url string) (string, error) {
	var resp markdownResponse
	if err := c.call(ctx, SvcExportMarkdown, urlRequest{URL: url}, &resp); err != nil {
		return "", err
	}
	return resp.Markdown, nil
}

// Usage returns the storage footprint.
func (c *Client) Usage(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.call(ctx, SvcStorageUsage, struct{}{}, &raw)
	return raw, err
}

// Search runs a full-text search.
func (c *Client) Search(ctx context.Context, query string, limit int) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.call(ctx, SvcSearch, searchRequest{Query: query, Limit: limit}, &raw)
	return raw, err
}

// Cleanup runs cleanup-old-marks when days > 0 and cleanup-useless-marks
// when useless is set, returning the number of marks removed.
func (c *Client) Cleanup(ctx context.Context, days int, useless bool) (int64, error) {
	var total int64
	if days > 0 {
		var r removedResponse
		if err := c.call(ctx, SvcCleanupOld, daysRequest{Days: days}, &r); err != nil {
			return 0, err
		}
		total += r.Removed
	}
	if useless {
		var r removedResponse
		if err := c.call(ctx, SvcCleanupUseless, struct{}{}, &r); err != nil {
			return total, err
		}
		total += r.Removed
	}
	return total, nil
}
