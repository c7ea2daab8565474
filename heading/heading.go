// Package heading tags a range with the section it sits in: the last
// heading element preceding it in deep document order.
package heading

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/webmarker/anchor"
	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/mark"
)

const selector = "h1, h2, h3, h4, h5, h6"

// maxTitle caps the stored heading text, in runes.
const maxTitle = 200

// Context is the heading a mark was captured under. Selector is an element
// path (anchor.Codec.ElementPath): it names the heading's shadow root too.
type Context struct {
	Title    string `json:"title"`
	Selector string `json:"selector,omitempty"`
	Level    int    `json:"level"`
	Order    int    `json:"order"` // -1 when no heading precedes
}

// Uncategorized is the context of ranges with no preceding heading.
var Uncategorized = Context{Title: mark.Uncategorized, Level: 0, Order: -1}

// Apply copies c into the context fields of m.
func (c Context) Apply(m *mark.Mark) {
	m.ContextTitle = c.Title
	m.ContextSelector = c.Selector
	m.ContextLevel = c.Level
	m.ContextOrder = c.Order
}

// Outline returns every heading of the document, shadow roots included, in
// deep document order. Selectors are written with c.
func Outline(c anchor.Codec, doc *dom.Document) []Context {
	hs, _ := dom.FindAll(selector, doc)
	out := make([]Context, 0, len(hs))
	for i, h := range hs {
		out = append(out, describe(c, doc, h, i))
	}
	return out
}

// Extract returns the context of the range starting at r.Start.
func Extract(c anchor.Codec, doc *dom.Document, r *dom.Range) Context {
	if r == nil || r.Start.Node == nil {
		return Uncategorized
	}
	hs, _ := dom.FindAll(selector, doc)
	if len(hs) == 0 {
		return Uncategorized
	}
	idx := doc.DeepIndex()
	at, ok := idx[startNode(r.Start)]
	if !ok {
		return Uncategorized
	}
	best := -1
	for i, h := range hs {
		if idx[h] > at {
			break
		}
		best = i
	}
	if best < 0 {
		return Uncategorized
	}
	return describe(c, doc, hs[best], best)
}

// Locate finds the heading a Context.Selector names. Selectors without a
// host path that match nothing in the document are searched for across
// shadow roots too.
func Locate(c anchor.Codec, doc *dom.Document, sel string) (*html.Node, error) {
	h, err := c.LocateElement(doc, sel)
	if err != nil || h != nil || strings.Contains(sel, anchor.HostSeparator) {
		return h, err
	}
	return dom.FindOne(sel, doc)
}

// startNode is the node at the start boundary in document order.
func startNode(b dom.Boundary) *html.Node {
	if b.Node.Type == html.TextNode {
		return b.Node
	}
	if c := dom.ChildAt(b.Node, b.Offset); c != nil {
		return c
	}
	return b.Node
}

func describe(c anchor.Codec, doc *dom.Document, h *html.Node, order int) Context {
	return Context{
		Title:    title(h),
		Selector: c.ElementPath(doc, h),
		Level:    level(h),
		Order:    order,
	}
}

func title(h *html.Node) string {
	t := dom.CollapseSpace(goquery.NewDocumentFromNode(h).Text())
	if r := []rune(t); len(r) > maxTitle {
		t = strings.TrimSpace(string(r[:maxTitle]))
	}
	return t
}

func level(h *html.Node) int {
	switch h.DataAtom {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	case atom.H6:
		return 6
	}
	return 0
}
