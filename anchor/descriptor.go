package anchor

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webmarker/dom"
)

var (
	// ErrStaleRange is returned when a descriptor no longer matches the tree:
	// a path step is missing, an offset is out of range or the checksum of
	// the surrounding text changed.
	ErrStaleRange = errors.New("anchor: stale range")

	// ErrCorruptDescriptor is returned for strings that are not descriptors.
	ErrCorruptDescriptor = errors.New("anchor: corrupt descriptor")
)

// Codec serializes ranges. Elements for which Transparent returns true are
// invisible to paths: their children count as children of their parent.
// Highlight markers are made transparent so that a descriptor written before
// a page was highlighted still resolves after.
type Codec struct {
	Transparent func(*html.Node) bool
}

// Default is the codec with no transparent elements.
var Default = Codec{}

// Serialize encodes r relative to root.
func Serialize(root dom.Root, r *dom.Range) (string, error) { return Default.Serialize(root, r) }

// Deserialize resolves a descriptor against root.
func Deserialize(root dom.Root, desc string) (*dom.Range, error) {
	return Default.Deserialize(root, desc)
}

// position is one encoded boundary.
type position struct {
	steps  []step
	offset int
}

type step struct {
	tag   string
	index int
}

func (c Codec) transparent(n *html.Node) bool {
	return c.Transparent != nil && n.Type == html.ElementNode && c.Transparent(n)
}

// container returns the nearest node at or above n that may appear in a
// path: a non-transparent element or the tree top.
func (c Codec) container(n *html.Node) *html.Node {
	for ; n != nil; n = n.Parent {
		if n.Parent == nil {
			return n
		}
		if n.Type == html.ElementNode && !c.transparent(n) {
			return n
		}
	}
	return nil
}

// children returns the element children of p in the logical view.
func (c Codec) children(p *html.Node) []*html.Node {
	var out []*html.Node
	for k := p.FirstChild; k != nil; k = k.NextSibling {
		if k.Type != html.ElementNode {
			continue
		}
		if c.transparent(k) {
			out = append(out, c.children(k)...)
			continue
		}
		out = append(out, k)
	}
	return out
}

func tag(n *html.Node) string {
	if n.DataAtom != 0 {
		return n.DataAtom.String()
	}
	return strings.ToLower(n.Data)
}

// path returns the steps leading from top to the container el.
func (c Codec) path(top, el *html.Node) []step {
	var steps []step
	for el != top {
		parent := c.container(el.Parent)
		i := 0
		for _, k := range c.children(parent) {
			if k == el {
				break
			}
			if tag(k) == tag(el) {
				i++
			}
		}
		steps = append(steps, step{tag: tag(el), index: i})
		el = parent
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps
}

// textBefore returns the number of text bytes under container that precede
// boundary b.
func textBefore(container *html.Node, b dom.Boundary) int {
	var stopAt *html.Node
	if b.Node.Type != html.TextNode {
		stopAt = dom.ChildAt(b.Node, b.Offset)
	}
	n := 0
	var visit func(p *html.Node) bool
	visit = func(p *html.Node) bool {
		for k := p.FirstChild; k != nil; k = k.NextSibling {
			if stopAt != nil && k == stopAt {
				return true
			}
			if k.Type == html.TextNode {
				if k == b.Node {
					n += b.Offset
					return true
				}
				n += len(k.Data)
				continue
			}
			if visit(k) {
				return true
			}
		}
		return p == b.Node
	}
	visit(container)
	return n
}

func (c Codec) encode(top *html.Node, b dom.Boundary) (position, *html.Node) {
	var el *html.Node
	if b.Node.Type == html.TextNode {
		el = c.container(b.Node.Parent)
	} else {
		el = c.container(b.Node)
	}
	return position{steps: c.path(top, el), offset: textBefore(el, b)}, el
}

// Serialize encodes r relative to root. The tree is not modified.
func (c Codec) Serialize(root dom.Root, r *dom.Range) (string, error) {
	if r == nil || r.Start.Node == nil || r.End.Node == nil {
		return "", fmt.Errorf("anchor: serialize: empty range")
	}
	top := root.Node()
	if treeTop(r.Start.Node) != top || treeTop(r.End.Node) != top {
		return "", fmt.Errorf("anchor: serialize: range is not inside %v", root)
	}
	start, sc := c.encode(top, r.Start)
	end, ec := c.encode(top, r.End)
	common := c.container(lowestCommon(sc, ec))
	sum := crc32.ChecksumIEEE([]byte(dom.TextContent(common)))
	return format(start) + "," + format(end) + "{" + fmt.Sprintf("%08x", sum) + "}", nil
}

// Deserialize resolves desc against root. It fails with ErrStaleRange when
// the tree no longer matches and ErrCorruptDescriptor when desc cannot be
// parsed. The tree is not modified.
func (c Codec) Deserialize(root dom.Root, desc string) (*dom.Range, error) {
	start, end, sum, err := parse(desc)
	if err != nil {
		return nil, err
	}
	top := root.Node()
	sc, err := c.resolve(top, start.steps)
	if err != nil {
		return nil, err
	}
	ec, err := c.resolve(top, end.steps)
	if err != nil {
		return nil, err
	}
	common, err := c.resolve(top, commonPrefix(start.steps, end.steps))
	if err != nil {
		return nil, err
	}
	if got := crc32.ChecksumIEEE([]byte(dom.TextContent(common))); got != sum {
		return nil, fmt.Errorf("%w: checksum %08x, want %08x", ErrStaleRange, got, sum)
	}
	sb, err := locate(sc, start.offset, false)
	if err != nil {
		return nil, err
	}
	eb, err := locate(ec, end.offset, true)
	if err != nil {
		return nil, err
	}
	return &dom.Range{Start: sb, End: eb}, nil
}

func (c Codec) resolve(top *html.Node, steps []step) (*html.Node, error) {
	cur := top
	for _, s := range steps {
		var next *html.Node
		i := 0
		for _, k := range c.children(cur) {
			if tag(k) != s.tag {
				continue
			}
			if i == s.index {
				next = k
				break
			}
			i++
		}
		if next == nil {
			return nil, fmt.Errorf("%w: no %s[%d]", ErrStaleRange, s.tag, s.index)
		}
		cur = next
	}
	return cur, nil
}

// locate maps a text offset inside container to a boundary. An offset that
// falls on the border of two text nodes resolves into the next node for a
// start and the previous node for an end.
func locate(container *html.Node, offset int, isEnd bool) (dom.Boundary, error) {
	texts := dom.TextNodes(container)
	total := 0
	for _, t := range texts {
		total += len(t.Data)
	}
	if offset < 0 || offset > total {
		return dom.Boundary{}, fmt.Errorf("%w: offset %d outside %d bytes", ErrStaleRange, offset, total)
	}
	var last *html.Node
	at := 0
	for _, t := range texts {
		if t.Data == "" {
			continue
		}
		from, to := at, at+len(t.Data)
		at = to
		last = t
		inside := offset >= from && offset < to
		if isEnd {
			inside = offset > from && offset <= to
		}
		if !inside {
			continue
		}
		k := offset - from
		if k < len(t.Data) && !utf8.RuneStart(t.Data[k]) {
			return dom.Boundary{}, fmt.Errorf("%w: offset %d splits a character", ErrStaleRange, offset)
		}
		return dom.Boundary{Node: t, Offset: k}, nil
	}
	if last != nil {
		if offset == 0 {
			// Only an end can get here with offset 0.
			for _, t := range texts {
				if t.Data != "" {
					return dom.Boundary{Node: t, Offset: 0}, nil
				}
			}
		}
		return dom.Boundary{Node: last, Offset: len(last.Data)}, nil
	}
	return dom.Boundary{Node: container, Offset: 0}, nil
}

func lowestCommon(a, b *html.Node) *html.Node {
	seen := make(map[*html.Node]bool)
	for n := a; n != nil; n = n.Parent {
		seen[n] = true
	}
	for n := b; n != nil; n = n.Parent {
		if seen[n] {
			return n
		}
	}
	return treeTop(a)
}

func commonPrefix(a, b []step) []step {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func treeTop(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

func format(p position) string {
	var b strings.Builder
	for i, s := range p.steps {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(s.tag)
		b.WriteByte('[')
		b.WriteString(strconv.Itoa(s.index))
		b.WriteByte(']')
	}
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(p.offset))
	return b.String()
}

func parse(desc string) (start, end position, sum uint32, err error) {
	corrupt := func(why string) error {
		return fmt.Errorf("%w: %s", ErrCorruptDescriptor, why)
	}
	open := strings.LastIndexByte(desc, '{')
	if open < 0 || !strings.HasSuffix(desc, "}") {
		return start, end, 0, corrupt("missing checksum")
	}
	v, perr := strconv.ParseUint(desc[open+1:len(desc)-1], 16, 32)
	if perr != nil {
		return start, end, 0, corrupt("bad checksum")
	}
	body := desc[:open]
	a, b, ok := strings.Cut(body, ",")
	if !ok || strings.Contains(b, ",") {
		return start, end, 0, corrupt("want two positions")
	}
	if start, err = parsePosition(a); err != nil {
		return start, end, 0, err
	}
	if end, err = parsePosition(b); err != nil {
		return start, end, 0, err
	}
	return start, end, uint32(v), nil
}

func parsePosition(s string) (position, error) {
	var p position
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return p, fmt.Errorf("%w: position %q has no offset", ErrCorruptDescriptor, s)
	}
	off, err := strconv.Atoi(s[i+1:])
	if err != nil || off < 0 {
		return p, fmt.Errorf("%w: position %q: bad offset", ErrCorruptDescriptor, s)
	}
	p.offset = off
	if s[:i] == "" {
		return p, nil
	}
	for _, raw := range strings.Split(s[:i], "/") {
		lb := strings.IndexByte(raw, '[')
		if lb <= 0 || !strings.HasSuffix(raw, "]") {
			return p, fmt.Errorf("%w: step %q", ErrCorruptDescriptor, raw)
		}
		idx, err := strconv.Atoi(raw[lb+1 : len(raw)-1])
		if err != nil || idx < 0 {
			return p, fmt.Errorf("%w: step %q: bad index", ErrCorruptDescriptor, raw)
		}
		p.steps = append(p.steps, step{tag: raw[:lb], index: idx})
	}
	return p, nil
}
