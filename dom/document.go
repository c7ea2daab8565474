// Package dom is the in-process document model the anchoring engine runs on.
//
// A Document wraps a golang.org/x/net/html tree and keeps, next to it, every
// attached shadow root. Shadow roots are fragment nodes (html.DocumentNode)
// that are not children of their host; the Document maps hosts to roots and
// back. Declarative shadow DOM (<template shadowrootmode>) is attached when a
// page is parsed and re-emitted when it is rendered, so snapshots taken with
// getHTML({serializableShadowRoots: true}) round-trip.
//
// A Document is not safe for concurrent use. The engine confines it to a
// single event loop goroutine.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Shadow root modes.
const (
	ModeOpen   = "open"
	ModeClosed = "closed"
)

// ErrShadowAttached is returned by AttachShadow when the host already has a root.
var ErrShadowAttached = errors.New("dom: shadow root already attached")

// Root is a searchable root: the document itself or a shadow root.
type Root interface {
	// Node returns the tree top: the document node or the shadow fragment.
	Node() *html.Node
	// Document returns the owning document.
	Document() *Document
	// Host returns the shadow host, or nil for the document.
	Host() *html.Node
	// QueryOne returns the first descendant matching selector, without
	// crossing into nested shadow roots.
	QueryOne(selector string) (*html.Node, error)
	// QueryAll returns every descendant matching selector in this root only.
	QueryAll(selector string) ([]*html.Node, error)
}

// ShadowRoot is a shadow tree attached to a host element.
type ShadowRoot struct {
	doc  *Document
	host *html.Node
	frag *html.Node
	mode string
}

func (s *ShadowRoot) Node() *html.Node     { return s.frag }
func (s *ShadowRoot) Document() *Document  { return s.doc }
func (s *ShadowRoot) Host() *html.Node     { return s.host }
func (s *ShadowRoot) Mode() string         { return s.mode }
func (s *ShadowRoot) String() string       { return "#shadow-root(" + s.mode + ")" }
func (s *ShadowRoot) QueryOne(sel string) (*html.Node, error) {
	return queryOne(s.frag, sel)
}
func (s *ShadowRoot) QueryAll(sel string) ([]*html.Node, error) {
	return queryAll(s.frag, sel)
}

// Document is a parsed page plus its shadow roots, observers and listeners.
type Document struct {
	root    *html.Node
	shadows map[*html.Node]*ShadowRoot // host -> root
	frags   map[*html.Node]*ShadowRoot // fragment -> root

	observers []*Observer
	pending   []MutationRecord
	scheduled bool
	queue     func(func())
	origin    string

	listeners map[*html.Node][]*listener
	seq       uint64

	selection Selection
}

// New wraps an existing tree. Declarative shadow roots are attached.
func New(root *html.Node) *Document {
	d := &Document{
		root:      root,
		shadows:   make(map[*html.Node]*ShadowRoot),
		frags:     make(map[*html.Node]*ShadowRoot),
		listeners: make(map[*html.Node][]*listener),
	}
	d.attachDeclarative(root, nil)
	return d
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return New(root), nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

func (d *Document) Node() *html.Node    { return d.root }
func (d *Document) Document() *Document { return d }
func (d *Document) Host() *html.Node    { return nil }
func (d *Document) String() string      { return "#document" }

func (d *Document) QueryOne(sel string) (*html.Node, error) {
	return queryOne(d.root, sel)
}

func (d *Document) QueryAll(sel string) ([]*html.Node, error) {
	return queryAll(d.root, sel)
}

// Body returns the body element, or nil.
func (d *Document) Body() *html.Node {
	var body *html.Node
	walkLight(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
			return false
		}
		return true
	})
	return body
}

// ShadowRoot returns the open shadow root attached to host, or nil. Closed
// roots are not reachable from outside, like host.shadowRoot in a browser.
func (d *Document) ShadowRoot(host *html.Node) *ShadowRoot {
	sr := d.shadows[host]
	if sr == nil || sr.mode != ModeOpen {
		return nil
	}
	return sr
}

// AttachShadow attaches an empty shadow root to host.
func (d *Document) AttachShadow(host *html.Node, mode string) (*ShadowRoot, error) {
	if host == nil || host.Type != html.ElementNode {
		return nil, fmt.Errorf("dom: attach shadow: host is not an element")
	}
	if _, ok := d.shadows[host]; ok {
		return nil, ErrShadowAttached
	}
	if mode != ModeClosed {
		mode = ModeOpen
	}
	sr := d.register(host, &html.Node{Type: html.DocumentNode}, mode)
	d.record(MutationRecord{Type: ChildList, Target: host})
	return sr, nil
}

func (d *Document) register(host, frag *html.Node, mode string) *ShadowRoot {
	sr := &ShadowRoot{doc: d, host: host, frag: frag, mode: mode}
	d.shadows[host] = sr
	d.frags[frag] = sr
	return sr
}

// RootOf returns the root whose tree contains n, or nil when n is detached.
func (d *Document) RootOf(n *html.Node) Root {
	if n == nil {
		return nil
	}
	top := n
	for top.Parent != nil {
		top = top.Parent
	}
	if top == d.root {
		return d
	}
	if sr, ok := d.frags[top]; ok {
		return sr
	}
	return nil
}

// Contains reports whether n is connected to the document, directly or
// through a chain of shadow hosts.
func (d *Document) Contains(n *html.Node) bool {
	for {
		r := d.RootOf(n)
		switch v := r.(type) {
		case *Document:
			return true
		case *ShadowRoot:
			n = v.host
		default:
			return false
		}
	}
}

// attachDeclarative turns <template shadowrootmode> elements under n into
// shadow roots. fallback is the host for templates whose parent is n itself
// and n is not an element (used by SetInnerHTML).
func (d *Document) attachDeclarative(n *html.Node, fallback *html.Node) {
	var templates []*html.Node
	walkLight(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && c.DataAtom == atom.Template {
			if _, ok := attr(c, "shadowrootmode"); ok {
				templates = append(templates, c)
				return false
			}
		}
		return true
	})
	for _, t := range templates {
		host := t.Parent
		if host == n && n.Type != html.ElementNode {
			host = fallback
		}
		mode, _ := attr(t, "shadowrootmode")
		if host == nil || d.shadows[host] != nil {
			t.Parent.RemoveChild(t)
			continue
		}
		frag := &html.Node{Type: html.DocumentNode}
		moveChildren(t, frag)
		t.Parent.RemoveChild(t)
		if mode != ModeClosed {
			mode = ModeOpen
		}
		d.register(host, frag, mode)
		d.attachDeclarative(frag, nil)
	}
}

// Render writes the document with shadow roots serialized as declarative
// templates.
func (d *Document) Render(w io.Writer) error {
	undo := d.inlineShadows()
	defer undo()
	return html.Render(w, d.root)
}

// HTML renders the document to a string.
func (d *Document) HTML() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// InnerHTML renders the children of n, inlining shadow roots of descendants.
func (d *Document) InnerHTML(n *html.Node) string {
	undo := d.inlineShadows()
	defer undo()
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

func (d *Document) inlineShadows() func() {
	type inlined struct {
		sr   *ShadowRoot
		tmpl *html.Node
	}
	var done []inlined
	for host, sr := range d.shadows {
		tmpl := &html.Node{
			Type:     html.ElementNode,
			Data:     "template",
			DataAtom: atom.Template,
			Attr:     []html.Attribute{{Key: "shadowrootmode", Val: sr.mode}},
		}
		moveChildren(sr.frag, tmpl)
		host.InsertBefore(tmpl, host.FirstChild)
		done = append(done, inlined{sr: sr, tmpl: tmpl})
	}
	return func() {
		for i := len(done) - 1; i >= 0; i-- {
			in := done[i]
			moveChildren(in.tmpl, in.sr.frag)
			in.sr.host.RemoveChild(in.tmpl)
		}
	}
}

func moveChildren(from, to *html.Node) {
	for c := from.FirstChild; c != nil; {
		next := c.NextSibling
		from.RemoveChild(c)
		to.AppendChild(c)
		c = next
	}
}

// walkLight visits descendants of n in pre-order without entering shadow
// roots. Returning false from fn skips the node's children.
func walkLight(n *html.Node, fn func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if fn(c) {
			walkLight(c, fn)
		}
	}
}

var selectorCache sync.Map // string -> cascadia.Selector

func compile(sel string) (cascadia.Selector, error) {
	if v, ok := selectorCache.Load(sel); ok {
		return v.(cascadia.Selector), nil
	}
	s, err := cascadia.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("dom: selector %q: %w", sel, err)
	}
	selectorCache.Store(sel, s)
	return s, nil
}

func queryOne(n *html.Node, sel string) (*html.Node, error) {
	s, err := compile(sel)
	if err != nil {
		return nil, err
	}
	return cascadia.Query(n, s), nil
}

func queryAll(n *html.Node, sel string) ([]*html.Node, error) {
	s, err := compile(sel)
	if err != nil {
		return nil, err
	}
	return cascadia.QueryAll(n, s), nil
}
