package dom

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Walk visits every node under root in deep pre-order: when an element hosts
// an open shadow root, the shadow content is visited before the element's
// light children. Returning false from fn stops the walk.
func (d *Document) Walk(root Root, fn func(*html.Node) bool) {
	d.walkDeep(root.Node(), fn)
}

func (d *Document) walkDeep(n *html.Node, fn func(*html.Node) bool) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !fn(c) {
			return false
		}
		if c.Type == html.ElementNode {
			if sr := d.ShadowRoot(c); sr != nil {
				if !d.walkDeep(sr.frag, fn) {
					return false
				}
			}
		}
		if !d.walkDeep(c, fn) {
			return false
		}
	}
	return true
}

// FindOne returns the first element under root, including nested shadow
// roots, that matches selector. A host whose shadow root is not attached yet
// contributes nothing; callers retry later.
func FindOne(selector string, root Root) (*html.Node, error) {
	s, err := compile(selector)
	if err != nil {
		return nil, err
	}
	var found *html.Node
	root.Document().Walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && s.Match(n) {
			found = n
			return false
		}
		return true
	})
	return found, nil
}

// FindAll returns every element under root, including nested shadow roots,
// that matches selector, in deep pre-order.
func FindAll(selector string, root Root) ([]*html.Node, error) {
	s, err := compile(selector)
	if err != nil {
		return nil, err
	}
	var out []*html.Node
	root.Document().Walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && s.Match(n) {
			out = append(out, n)
		}
		return true
	})
	return out, nil
}

// ShadowRoots returns every open shadow root nested under root, in deep
// pre-order.
func (d *Document) ShadowRoots(root Root) []*ShadowRoot {
	var out []*ShadowRoot
	d.Walk(root, func(n *html.Node) bool {
		if sr := d.ShadowRoot(n); sr != nil {
			out = append(out, sr)
		}
		return true
	})
	return out
}

// DeepIndex maps every node of the document to its position in deep
// pre-order. Nodes of shadow trees are numbered between their host and the
// host's light children.
func (d *Document) DeepIndex() map[*html.Node]int {
	idx := make(map[*html.Node]int)
	i := 0
	idx[d.root] = i
	d.Walk(d, func(n *html.Node) bool {
		i++
		idx[n] = i
		return true
	})
	return idx
}

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// SelectorFor returns a CSS selector that matches el, and only el, when
// queried from el's root. An id is used when it is unique in the root;
// otherwise the selector is a :root-anchored nth-child chain.
func SelectorFor(el *html.Node) string { return SelectorForSkipping(el, nil) }

// SelectorForSkipping is SelectorFor with the elements matched by skip
// left out of the nth-child chain: their element children count as
// children of their parent. Resolve the result with ResolveSelector and
// the same skip.
func SelectorForSkipping(el *html.Node, skip func(*html.Node) bool) string {
	if el == nil || el.Type != html.ElementNode {
		return ""
	}
	top := el
	for top.Parent != nil {
		top = top.Parent
	}
	if id := Attr(el, "id"); id != "" && plainIdent.MatchString(id) && countID(top, id) == 1 {
		return "#" + id
	}

	var steps []string
	for n := el; n != nil && n.Type == html.ElementNode; n = logicalParent(n, skip) {
		step := fmt.Sprintf("%s:nth-child(%d)", tagName(n), logicalIndex(n, skip)+1)
		if p := logicalParent(n, skip); p == nil || p.Type == html.DocumentNode {
			step = tagName(n) + ":root" + step[len(tagName(n)):]
		}
		steps = append(steps, step)
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return strings.Join(steps, " > ")
}

var chainStep = regexp.MustCompile(`^([a-z][a-z0-9-]*)(?::root)?:nth-child\(([0-9]+)\)$`)

// ResolveSelector finds the element sel names in root. Without skip it is
// root.QueryOne. With skip, an nth-child chain from SelectorForSkipping is
// walked over the children skip leaves visible, so it resolves whether or
// not skipped elements are present.
func ResolveSelector(root Root, sel string, skip func(*html.Node) bool) (*html.Node, error) {
	if skip == nil || strings.HasPrefix(sel, "#") {
		return root.QueryOne(sel)
	}
	parts := strings.Split(sel, " > ")
	cur := root.Node()
	for _, part := range parts {
		m := chainStep.FindStringSubmatch(part)
		if m == nil {
			return root.QueryOne(sel)
		}
		want, _ := strconv.Atoi(m[2])
		var next *html.Node
		i := 0
		logicalChildren(cur, skip, func(c *html.Node) bool {
			i++
			if i == want {
				next = c
				return false
			}
			return true
		})
		if next == nil || tagName(next) != m[1] {
			return nil, nil
		}
		cur = next
	}
	return cur, nil
}

// logicalChildren calls fn for each element child of n, descending into
// skipped elements in their place, until fn returns false.
func logicalChildren(n *html.Node, skip func(*html.Node) bool, fn func(*html.Node) bool) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if skip != nil && skip(c) {
			if !logicalChildren(c, skip, fn) {
				return false
			}
			continue
		}
		if !fn(c) {
			return false
		}
	}
	return true
}

func logicalParent(n *html.Node, skip func(*html.Node) bool) *html.Node {
	p := n.Parent
	for skip != nil && p != nil && p.Type == html.ElementNode && skip(p) {
		p = p.Parent
	}
	return p
}

func logicalIndex(n *html.Node, skip func(*html.Node) bool) int {
	if skip == nil {
		return elementIndex(n)
	}
	p := logicalParent(n, skip)
	if p == nil {
		return elementIndex(n)
	}
	i := 0
	logicalChildren(p, skip, func(c *html.Node) bool {
		if c == n {
			return false
		}
		i++
		return true
	})
	return i
}

func countID(top *html.Node, id string) int {
	n := 0
	walkLight(top, func(c *html.Node) bool {
		if c.Type == html.ElementNode && Attr(c, "id") == id {
			n++
		}
		return true
	})
	return n
}

// elementIndex is the 0-based position of n among its element siblings.
func elementIndex(n *html.Node) int {
	i := 0
	for c := n.PrevSibling; c != nil; c = c.PrevSibling {
		if c.Type == html.ElementNode {
			i++
		}
	}
	return i
}

func tagName(n *html.Node) string {
	if n.DataAtom != 0 {
		return n.DataAtom.String()
	}
	return strings.ToLower(n.Data)
}

func lookupAtom(tag string) atom.Atom {
	return atom.Lookup([]byte(strings.ToLower(tag)))
}
