// Package mark defines the persisted highlight record and the page-level
// helpers shared by the engine and the store: canonical URLs, mark ids,
// settings and the site blacklist.
package mark

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/webmarker/idgen"
)

// ErrInvalid is wrapped by Validate failures.
var ErrInvalid = errors.New("mark: invalid")

// Uncategorized is the context title of marks with no preceding heading.
const Uncategorized = "uncategorized"

// Mark is a persisted highlight.
type Mark struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Text            string `json:"text"`
	HTML            string `json:"html,omitempty"`
	Note            string `json:"note"`
	Color           string `json:"color"`
	RangeDescriptor string `json:"range_descriptor"`
	ShadowHostPath  string `json:"shadow_host_path,omitempty"`
	CreatedAt       int64  `json:"created_at"` // unix ms
	Title           string `json:"title,omitempty"`

	ContextTitle    string `json:"context_title"`
	ContextSelector string `json:"context_selector,omitempty"`
	ContextLevel    int    `json:"context_level"`
	ContextOrder    int    `json:"context_order"`
}

// Validate checks the invariants every stored mark holds.
func (m *Mark) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalid)
	case m.URL == "":
		return fmt.Errorf("%w: empty url", ErrInvalid)
	case strings.TrimSpace(m.Text) == "":
		return fmt.Errorf("%w: empty text", ErrInvalid)
	case m.RangeDescriptor == "":
		return fmt.Errorf("%w: empty range descriptor", ErrInvalid)
	}
	return nil
}

// Annotated reports whether the mark carries a non-blank note.
func (m *Mark) Annotated() bool {
	return strings.TrimSpace(m.Note) != ""
}

// Created returns CreatedAt as a time.
func (m *Mark) Created() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// NewID generates mark ids: creation timestamp plus a random suffix.
var NewID idgen.Generator = idgen.Timestamped(time.Now, idgen.NanoID(7))
