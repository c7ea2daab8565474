// Package highlight wraps ranges in marker elements and removes them again.
//
// A committed highlight is one or more <mark> elements carrying the mark id
// (one per covered text node). A preview highlight uses the same element
// with a preview attribute instead of an id; there is at most one preview
// per document. Every change is made under the "highlight" mutation origin
// so the restoration loop can ignore it.
package highlight

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/webmarker/anchor"
	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/internal/eventloop"
)

const (
	// Class is carried by every marker.
	Class = "webmark-highlight"
	// AttrID holds the mark id of a committed marker.
	AttrID = "data-webmark-id"
	// AttrPreview flags a preview marker.
	AttrPreview = "data-webmark-preview"
	// AttrFlash is set while a node is flashing.
	AttrFlash = "data-webmark-flash"
	// Origin labels the mutations made by this package.
	Origin = "highlight"

	previewClass = "webmark-preview"
	flashColor   = "#FFA500"
)

// ErrEmptyRange is returned when a range covers no visible text.
var ErrEmptyRange = errors.New("highlight: range covers no text")

// ClassFor returns the per-mark class.
func ClassFor(id string) string { return "webmark-" + id }

// IsMarker reports whether n is a committed or preview marker.
func IsMarker(n *html.Node) bool {
	return dom.IsElement(n, atom.Mark) && (dom.HasAttr(n, AttrID) || dom.HasAttr(n, AttrPreview))
}

// Codec serializes ranges and element paths with markers left out, so they
// resolve whether or not the page is highlighted.
var Codec = anchor.Codec{Transparent: IsMarker}

// IsPreview reports whether n is a preview marker.
func IsPreview(n *html.Node) bool {
	return dom.IsElement(n, atom.Mark) && dom.HasAttr(n, AttrPreview)
}

// MarkAt returns the id of the innermost committed marker containing n.
func MarkAt(n *html.Node) string {
	m := dom.Closest(n, func(c *html.Node) bool {
		return dom.IsElement(c, atom.Mark) && dom.HasAttr(c, AttrID)
	})
	return dom.Attr(m, AttrID)
}

// InPreview reports whether n sits inside the preview highlight.
func InPreview(n *html.Node) bool {
	return dom.Closest(n, IsPreview) != nil
}

func style(color string) string {
	return fmt.Sprintf("background-color: %s; cursor: pointer;", color)
}

// Applier applies and removes highlights on one document.
type Applier struct {
	doc      *dom.Document
	logger   *slog.Logger
	clock    eventloop.Clock
	exec     eventloop.Executor
	flashFor time.Duration
	flashes  map[string]*eventloop.Slot
	timerErr error
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Applier) { a.logger = l } }

// WithClock sets the clock used to end flashes.
func WithClock(c eventloop.Clock) Option { return func(a *Applier) { a.clock = c } }

// WithExecutor sets the executor flash timers post to. It must be the one
// owning the document. The default, Immediate, only times flashes with a
// ManualClock; with any other clock Flash is a no-op.
func WithExecutor(e eventloop.Executor) Option { return func(a *Applier) { a.exec = e } }

// WithFlashDuration sets how long Flash keeps a highlight lit. Default: 1s.
func WithFlashDuration(d time.Duration) Option { return func(a *Applier) { a.flashFor = d } }

// New creates an Applier for doc.
func New(doc *dom.Document, opts ...Option) *Applier {
	a := &Applier{
		doc:      doc,
		logger:   slog.Default(),
		clock:    eventloop.RealClock{},
		exec:     eventloop.Immediate{},
		flashFor: time.Second,
		flashes:  make(map[string]*eventloop.Slot),
	}
	for _, o := range opts {
		o(a)
	}
	a.timerErr = eventloop.CheckPairing(a.clock, a.exec)
	return a
}

// Apply wraps r in committed markers for mark id.
func (a *Applier) Apply(r *dom.Range, id, color string) ([]*html.Node, error) {
	if id == "" {
		return nil, fmt.Errorf("highlight: apply: empty id")
	}
	return a.wrap(r, func() *html.Node {
		return dom.CreateElement("mark",
			html.Attribute{Key: "class", Val: Class + " " + ClassFor(id)},
			html.Attribute{Key: AttrID, Val: id},
			html.Attribute{Key: "style", Val: style(color)},
		)
	})
}

// Preview replaces the preview highlight with one over r.
func (a *Applier) Preview(r *dom.Range, color string) ([]*html.Node, error) {
	segs := visible(r)
	if len(segs) == 0 {
		return nil, ErrEmptyRange
	}
	// The old preview is lifted before wrapping and merged after, so the
	// text nodes r points into stay attached while they are wrapped.
	var parents []*html.Node
	a.doc.WithOrigin(Origin, func() {
		for _, m := range a.previews() {
			if p := a.lift(m); p != nil {
				parents = append(parents, p)
			}
		}
	})
	ms := a.wrapSegments(segs, func() *html.Node {
		return dom.CreateElement("mark",
			html.Attribute{Key: "class", Val: Class + " " + previewClass},
			html.Attribute{Key: AttrPreview, Val: ""},
			html.Attribute{Key: "style", Val: style(color)},
		)
	})
	a.doc.WithOrigin(Origin, func() {
		for _, p := range parents {
			a.doc.Normalize(p)
		}
	})
	return ms, nil
}

// Commit turns the preview markers into committed markers of mark id and
// returns them.
func (a *Applier) Commit(id, color string) []*html.Node {
	ms := a.previews()
	a.doc.WithOrigin(Origin, func() {
		for _, m := range ms {
			a.doc.RemoveAttr(m, AttrPreview)
			a.doc.SetAttr(m, "class", Class+" "+ClassFor(id))
			a.doc.SetAttr(m, AttrID, id)
			a.doc.SetAttr(m, "style", style(color))
		}
	})
	return ms
}

// visible returns the segments of r that hold visible, non-blank text.
func visible(r *dom.Range) []dom.Segment {
	if r == nil {
		return nil
	}
	var out []dom.Segment
	for _, s := range r.Segments() {
		if dom.IsBlank(s.Text()) || !rendered(s.Node) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func rendered(t *html.Node) bool {
	for p := t.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		switch p.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Title,
			atom.Textarea, atom.Option, atom.Head:
			return false
		}
	}
	return true
}

func (a *Applier) wrap(r *dom.Range, marker func() *html.Node) ([]*html.Node, error) {
	segs := visible(r)
	if len(segs) == 0 {
		return nil, ErrEmptyRange
	}
	return a.wrapSegments(segs, marker), nil
}

// wrapSegments splits the boundary text nodes and wraps each covered piece.
// Segments belong to distinct text nodes, so splitting one never shifts the
// offsets of another.
func (a *Applier) wrapSegments(segs []dom.Segment, marker func() *html.Node) []*html.Node {
	var out []*html.Node
	a.doc.WithOrigin(Origin, func() {
		for _, s := range segs {
			t := s.Node
			if t.Parent == nil {
				continue
			}
			if s.To < len(t.Data) {
				if _, err := a.doc.SplitText(t, s.To); err != nil {
					a.logger.Debug("highlight: split", "error", err)
					continue
				}
			}
			if s.From > 0 {
				mid, err := a.doc.SplitText(t, s.From)
				if err != nil {
					a.logger.Debug("highlight: split", "error", err)
					continue
				}
				t = mid
			}
			m := marker()
			a.doc.InsertBefore(t.Parent, m, t)
			a.doc.AppendChild(m, t)
			out = append(out, m)
		}
	})
	return out
}

// Unwrap replaces marker m by its children and merges the text around it.
func (a *Applier) Unwrap(m *html.Node) {
	a.doc.WithOrigin(Origin, func() {
		if parent := a.lift(m); parent != nil {
			a.doc.Normalize(parent)
		}
	})
}

// lift moves the children of m before it, removes m and returns its former
// parent.
func (a *Applier) lift(m *html.Node) *html.Node {
	parent := m.Parent
	if parent == nil {
		return nil
	}
	for c := m.FirstChild; c != nil; c = m.FirstChild {
		a.doc.InsertBefore(parent, c, m)
	}
	a.doc.RemoveChild(parent, m)
	return parent
}

// Markers returns the committed markers of mark id in every open root.
// Markers that lost their id attribute are still found by class.
func (a *Applier) Markers(id string) []*html.Node {
	cls := ClassFor(id)
	var out []*html.Node
	a.doc.Walk(a.doc, func(n *html.Node) bool {
		if dom.IsElement(n, atom.Mark) && (dom.Attr(n, AttrID) == id || dom.HasClass(n, cls)) {
			out = append(out, n)
		}
		return true
	})
	return out
}

func (a *Applier) previews() []*html.Node {
	var out []*html.Node
	a.doc.Walk(a.doc, func(n *html.Node) bool {
		if IsPreview(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// HasPreview reports whether a preview highlight is shown.
func (a *Applier) HasPreview() bool { return len(a.previews()) > 0 }

// Remove unwraps every marker of mark id and returns how many there were.
func (a *Applier) Remove(id string) int {
	ms := a.Markers(id)
	for _, m := range ms {
		a.Unwrap(m)
	}
	if s, ok := a.flashes[id]; ok {
		s.Cancel()
		delete(a.flashes, id)
	}
	return len(ms)
}

// RemovePreview unwraps the preview highlight.
func (a *Applier) RemovePreview() int {
	ms := a.previews()
	for _, m := range ms {
		a.Unwrap(m)
	}
	return len(ms)
}

// RemoveAll unwraps every committed and preview marker.
func (a *Applier) RemoveAll() int {
	var ms []*html.Node
	a.doc.Walk(a.doc, func(n *html.Node) bool {
		if IsMarker(n) {
			ms = append(ms, n)
		}
		return true
	})
	// Innermost first, so nested markers unwrap into their parents.
	for i := len(ms) - 1; i >= 0; i-- {
		a.Unwrap(ms[i])
	}
	for id, s := range a.flashes {
		s.Cancel()
		delete(a.flashes, id)
	}
	return len(ms)
}

// Recolor changes the color of mark id and returns the number of markers.
func (a *Applier) Recolor(id, color string) int {
	return a.recolor(a.Markers(id), color)
}

// RecolorPreview changes the color of the preview highlight.
func (a *Applier) RecolorPreview(color string) int {
	return a.recolor(a.previews(), color)
}

func (a *Applier) recolor(ms []*html.Node, color string) int {
	a.doc.WithOrigin(Origin, func() {
		for _, m := range ms {
			a.doc.SetAttr(m, "style", style(color))
		}
	})
	return len(ms)
}

// Flash lights up mark id for the flash duration. It reports whether the
// mark is on the page.
func (a *Applier) Flash(id string) bool {
	ms := a.Markers(id)
	if len(ms) == 0 {
		return false
	}
	a.FlashNodes("mark:"+id, ms)
	return true
}

// FlashNodes lights up arbitrary elements. A second flash under the same key
// restarts the timer.
func (a *Applier) FlashNodes(key string, nodes []*html.Node) {
	if a.timerErr != nil {
		a.logger.Warn("highlight: flash skipped", "key", key, "error", a.timerErr)
		return
	}
	a.doc.WithOrigin(Origin, func() {
		for _, n := range nodes {
			a.doc.SetAttr(n, AttrFlash, flashColor)
		}
	})
	slot, ok := a.flashes[key]
	if !ok {
		slot = eventloop.NewSlot("flash:"+key, a.clock, a.exec)
		a.flashes[key] = slot
	}
	slot.Schedule(a.flashFor, func() {
		delete(a.flashes, key)
		a.doc.WithOrigin(Origin, func() {
			for _, n := range nodes {
				a.doc.RemoveAttr(n, AttrFlash)
			}
		})
	})
}

// Flashing reports whether n is currently flashing.
func Flashing(n *html.Node) bool { return dom.HasAttr(n, AttrFlash) }

// Color returns the background color recorded on marker m.
func Color(m *html.Node) string {
	for _, decl := range strings.Split(dom.Attr(m, "style"), ";") {
		k, v, ok := strings.Cut(decl, ":")
		if ok && strings.TrimSpace(k) == "background-color" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
