package dom

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// Boundary is one end of a Range. For text nodes Offset is a byte offset
// into Data on a rune boundary; for other nodes it is a child index.
type Boundary struct {
	Node   *html.Node
	Offset int
}

// Range is a contiguous span of one tree, from Start to End. Both
// boundaries must belong to the same document or shadow tree.
type Range struct {
	Start Boundary
	End   Boundary
}

// NewRange builds a range from two boundaries.
func NewRange(startNode *html.Node, startOffset int, endNode *html.Node, endOffset int) *Range {
	return &Range{
		Start: Boundary{Node: startNode, Offset: startOffset},
		End:   Boundary{Node: endNode, Offset: endOffset},
	}
}

// RangeOver returns a range selecting the contents of n.
func RangeOver(n *html.Node) *Range {
	if n.Type == html.TextNode {
		return NewRange(n, 0, n, len(n.Data))
	}
	return NewRange(n, 0, n, ChildCount(n))
}

// FindText returns a range over the first occurrence of substr inside a
// single text node under n, or nil.
func FindText(n *html.Node, substr string) *Range {
	for _, t := range TextNodes(n) {
		if i := strings.Index(t.Data, substr); i >= 0 {
			return NewRange(t, i, t, i+len(substr))
		}
	}
	return nil
}

// Collapsed reports whether the range is empty.
func (r *Range) Collapsed() bool {
	if r.Start == r.End {
		return true
	}
	return r.Text() == "" && r.Start.Node == r.End.Node
}

// Clone returns a copy that does not share boundaries with r.
func (r *Range) Clone() *Range {
	c := *r
	return &c
}

// Root returns the root containing the range's start.
func (r *Range) Root(d *Document) Root {
	return d.RootOf(r.Start.Node)
}

// Segment is the part of one text node covered by a range.
type Segment struct {
	Node *html.Node
	From int
	To   int
}

// Text returns the covered part of the node.
func (s Segment) Text() string { return s.Node.Data[s.From:s.To] }

// Whole reports whether the segment covers the entire text node.
func (s Segment) Whole() bool { return s.From == 0 && s.To == len(s.Node.Data) }

// order is a pre-order numbering of the tree holding a range.
type order struct {
	idx  map[*html.Node]int
	last map[*html.Node]int // index of the last descendant
}

func newOrder(top *html.Node) *order {
	o := &order{idx: make(map[*html.Node]int), last: make(map[*html.Node]int)}
	i := 0
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		o.idx[n] = i
		i++
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
		o.last[n] = i - 1
	}
	visit(top)
	return o
}

// pos converts a boundary into a pre-order index. For a text boundary the
// index is the text node itself; for an element boundary it is the first
// node at or after the position.
func (o *order) pos(b Boundary) int {
	if b.Node.Type == html.TextNode {
		return o.idx[b.Node]
	}
	if c := ChildAt(b.Node, b.Offset); c != nil {
		return o.idx[c]
	}
	return o.last[b.Node] + 1
}

func treeTop(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

// bounds returns the half-open pre-order interval [lo, hi) covered by r.
func (r *Range) bounds(o *order) (lo, hi int) {
	lo = o.pos(r.Start)
	hi = o.pos(r.End)
	if r.End.Node.Type == html.TextNode {
		hi++
	}
	return lo, hi
}

func (r *Range) segment(t *html.Node) (Segment, bool) {
	from, to := 0, len(t.Data)
	if t == r.Start.Node {
		from = r.Start.Offset
	}
	if t == r.End.Node {
		to = r.End.Offset
	}
	if from < 0 {
		from = 0
	}
	if to > len(t.Data) {
		to = len(t.Data)
	}
	if from >= to {
		return Segment{}, false
	}
	return Segment{Node: t, From: from, To: to}, true
}

// Segments returns the non-empty text pieces covered by the range, in
// document order.
func (r *Range) Segments() []Segment {
	if r.Start.Node == nil || r.End.Node == nil {
		return nil
	}
	top := treeTop(r.Start.Node)
	if treeTop(r.End.Node) != top {
		return nil
	}
	o := newOrder(top)
	lo, hi := r.bounds(o)
	var out []Segment
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		i := o.idx[n]
		if o.last[n] < lo || i >= hi {
			return
		}
		if n.Type == html.TextNode {
			if s, ok := r.segment(n); ok {
				out = append(out, s)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(top)
	return out
}

// Text returns the text covered by the range.
func (r *Range) Text() string {
	var b strings.Builder
	for _, s := range r.Segments() {
		b.WriteString(s.Text())
	}
	return b.String()
}

// CommonAncestor returns the deepest node containing both boundaries.
func (r *Range) CommonAncestor() *html.Node {
	seen := make(map[*html.Node]bool)
	for n := r.Start.Node; n != nil; n = n.Parent {
		seen[n] = true
	}
	for n := r.End.Node; n != nil; n = n.Parent {
		if seen[n] {
			return n
		}
	}
	return nil
}

// HTML serializes a copy of the covered content, keeping the elements that
// wrap partially covered text, like Range.cloneContents.
func (r *Range) HTML() string {
	ca := r.CommonAncestor()
	if ca == nil {
		return ""
	}
	if ca.Type == html.TextNode {
		return html.EscapeString(r.Text())
	}
	o := newOrder(treeTop(ca))
	lo, hi := r.bounds(o)
	var clone func(n *html.Node) *html.Node
	clone = func(n *html.Node) *html.Node {
		if o.last[n] < lo || o.idx[n] >= hi {
			return nil
		}
		if n.Type == html.TextNode {
			s, ok := r.segment(n)
			if !ok {
				return nil
			}
			return &html.Node{Type: html.TextNode, Data: s.Text()}
		}
		c := cloneShallow(n)
		for k := n.FirstChild; k != nil; k = k.NextSibling {
			if kc := clone(k); kc != nil {
				c.AppendChild(kc)
			}
		}
		return c
	}
	var buf bytes.Buffer
	for c := ca.FirstChild; c != nil; c = c.NextSibling {
		if cl := clone(c); cl != nil {
			_ = html.Render(&buf, cl)
		}
	}
	return buf.String()
}

// Selection is the document's single-range selection.
type Selection struct {
	r *Range
}

// Selection returns the document selection.
func (d *Document) Selection() *Selection { return &d.selection }

// SetRange replaces the selection.
func (s *Selection) SetRange(r *Range) { s.r = r }

// Range returns the live selected range, or nil.
func (s *Selection) Range() *Range { return s.r }

// RemoveAllRanges clears the selection.
func (s *Selection) RemoveAllRanges() { s.r = nil }

// IsCollapsed reports whether nothing is selected.
func (s *Selection) IsCollapsed() bool { return s.r == nil || s.r.Collapsed() }

// String returns the selected text.
func (s *Selection) String() string {
	if s.r == nil {
		return ""
	}
	return s.r.Text()
}
