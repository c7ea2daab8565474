// Package anchor turns live ranges into durable strings and back.
//
// A range is stored as two parts: the shadow host path, which locates the
// root (document or nested shadow root) the range lives in, and the range
// descriptor, which locates both boundaries inside that root and carries a
// checksum of the surrounding text. Both are read-only on the DOM.
package anchor

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webmarker/dom"
)

// HostSeparator joins the host selectors of a shadow host path. It cannot
// occur inside a selector produced by dom.SelectorFor.
const HostSeparator = " >>> "

// ErrShadowHostNotFound is returned when a hop of a host path has no
// matching host, or the host has no open shadow root yet.
var ErrShadowHostNotFound = errors.New("anchor: shadow host not found")

// EncodeHostPath returns the selectors of every shadow host between the
// document and root, outermost first. It is empty for the document.
func EncodeHostPath(root dom.Root) string { return Default.EncodeHostPath(root) }

// DecodeHostPath resolves path from the document down to the shadow root it
// names. An empty path resolves to the document.
func DecodeHostPath(doc *dom.Document, path string) (dom.Root, error) {
	return Default.DecodeHostPath(doc, path)
}

// EncodeHostPath is the package function with the codec's transparent
// elements left out of every hop.
func (c Codec) EncodeHostPath(root dom.Root) string {
	var hops []string
	for root != nil && root.Host() != nil {
		host := root.Host()
		hops = append(hops, dom.SelectorForSkipping(host, c.skip()))
		root = root.Document().RootOf(host)
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	return strings.Join(hops, HostSeparator)
}

// DecodeHostPath resolves a path written by the same codec.
func (c Codec) DecodeHostPath(doc *dom.Document, path string) (dom.Root, error) {
	var cur dom.Root = doc
	if strings.TrimSpace(path) == "" {
		return cur, nil
	}
	for i, sel := range strings.Split(path, HostSeparator) {
		host, err := dom.ResolveSelector(cur, sel, c.skip())
		if err != nil {
			return nil, fmt.Errorf("%w: hop %d: %v", ErrShadowHostNotFound, i, err)
		}
		if host == nil {
			return nil, fmt.Errorf("%w: hop %d: no element matches %q", ErrShadowHostNotFound, i, sel)
		}
		sr := doc.ShadowRoot(host)
		if sr == nil {
			return nil, fmt.Errorf("%w: hop %d: %q has no shadow root", ErrShadowHostNotFound, i, sel)
		}
		cur = sr
	}
	return cur, nil
}

// ElementPath locates el from the document: the host path of el's root
// and el's selector inside that root, joined by HostSeparator.
func (c Codec) ElementPath(doc *dom.Document, el *html.Node) string {
	sel := dom.SelectorForSkipping(el, c.skip())
	if hp := c.EncodeHostPath(doc.RootOf(el)); hp != "" {
		return hp + HostSeparator + sel
	}
	return sel
}

// LocateElement resolves a path written by ElementPath. It returns nil, nil
// when a hop or the final selector matches nothing.
func (c Codec) LocateElement(doc *dom.Document, path string) (*html.Node, error) {
	hostPath, sel := "", path
	if i := strings.LastIndex(path, HostSeparator); i >= 0 {
		hostPath, sel = path[:i], path[i+len(HostSeparator):]
	}
	root, err := c.DecodeHostPath(doc, hostPath)
	if errors.Is(err, ErrShadowHostNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return dom.ResolveSelector(root, sel, c.skip())
}

func (c Codec) skip() func(*html.Node) bool {
	if c.Transparent == nil {
		return nil
	}
	return c.transparent
}

// Depth returns the number of shadow hops in path.
func Depth(path string) int {
	if strings.TrimSpace(path) == "" {
		return 0
	}
	return strings.Count(path, HostSeparator) + 1
}
