package dom

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MutationType mirrors the MutationRecord.type values of the DOM.
type MutationType string

const (
	ChildList     MutationType = "childList"
	CharacterData MutationType = "characterData"
	Attributes    MutationType = "attributes"
)

// MutationRecord describes one change to a tree.
type MutationRecord struct {
	Type     MutationType
	Target   *html.Node
	Added    []*html.Node
	Removed  []*html.Node
	AttrName string
	OldValue string
	// Origin is the label passed to WithOrigin when the change was made.
	Origin string
}

// ErrBadOffset is returned by SplitText for an offset outside the text or
// inside a multi-byte rune.
var ErrBadOffset = errors.New("dom: offset out of range")

// Observer receives batches of mutation records until disconnected.
type Observer struct {
	doc *Document
	fn  func([]MutationRecord)
}

// Observe registers fn for every mutation of the document and its shadow
// roots. Records are batched and delivered through the task queue.
func (d *Document) Observe(fn func([]MutationRecord)) *Observer {
	o := &Observer{doc: d, fn: fn}
	d.observers = append(d.observers, o)
	return o
}

// Disconnect stops delivery to o.
func (o *Observer) Disconnect() {
	d := o.doc
	for i, x := range d.observers {
		if x == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			break
		}
	}
	if len(d.observers) == 0 {
		d.pending = nil
	}
}

// SetTaskQueue sets how pending records are flushed. post must run the
// function later on the goroutine owning the document. A nil queue delivers
// each record synchronously.
func (d *Document) SetTaskQueue(post func(func())) {
	d.queue = post
}

// WithOrigin runs fn with every mutation it makes labelled origin.
func (d *Document) WithOrigin(origin string, fn func()) {
	prev := d.origin
	d.origin = origin
	defer func() { d.origin = prev }()
	fn()
}

func (d *Document) record(rec MutationRecord) {
	if len(d.observers) == 0 {
		return
	}
	rec.Origin = d.origin
	d.pending = append(d.pending, rec)
	if d.queue == nil {
		d.flush()
		return
	}
	if !d.scheduled {
		d.scheduled = true
		d.queue(d.flush)
	}
}

// TakeRecords returns and clears the undelivered records.
func (d *Document) TakeRecords() []MutationRecord {
	recs := d.pending
	d.pending = nil
	return recs
}

func (d *Document) flush() {
	d.scheduled = false
	recs := d.TakeRecords()
	if len(recs) == 0 {
		return
	}
	for _, o := range append([]*Observer(nil), d.observers...) {
		o.fn(recs)
	}
}

func (d *Document) detach(n *html.Node) {
	if p := n.Parent; p != nil {
		p.RemoveChild(n)
		d.record(MutationRecord{Type: ChildList, Target: p, Removed: []*html.Node{n}})
	}
}

// AppendChild moves child to the end of parent's children.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.detach(child)
	parent.AppendChild(child)
	d.record(MutationRecord{Type: ChildList, Target: parent, Added: []*html.Node{child}})
}

// InsertBefore moves child before ref. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if ref == nil {
		d.AppendChild(parent, child)
		return
	}
	d.detach(child)
	parent.InsertBefore(child, ref)
	d.record(MutationRecord{Type: ChildList, Target: parent, Added: []*html.Node{child}})
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *html.Node) {
	if child.Parent != parent {
		return
	}
	d.detach(child)
}

// SetText replaces the data of a text node.
func (d *Document) SetText(n *html.Node, s string) {
	old := n.Data
	n.Data = s
	d.record(MutationRecord{Type: CharacterData, Target: n, OldValue: old})
}

// SetAttr sets attribute key on el.
func (d *Document) SetAttr(el *html.Node, key, val string) {
	old, _ := attr(el, key)
	for i := range el.Attr {
		if el.Attr[i].Namespace == "" && el.Attr[i].Key == key {
			el.Attr[i].Val = val
			d.record(MutationRecord{Type: Attributes, Target: el, AttrName: key, OldValue: old})
			return
		}
	}
	el.Attr = append(el.Attr, html.Attribute{Key: key, Val: val})
	d.record(MutationRecord{Type: Attributes, Target: el, AttrName: key, OldValue: old})
}

// RemoveAttr removes attribute key from el.
func (d *Document) RemoveAttr(el *html.Node, key string) {
	for i := range el.Attr {
		if el.Attr[i].Namespace == "" && el.Attr[i].Key == key {
			old := el.Attr[i].Val
			el.Attr = append(el.Attr[:i], el.Attr[i+1:]...)
			d.record(MutationRecord{Type: Attributes, Target: el, AttrName: key, OldValue: old})
			return
		}
	}
}

// SplitText splits t at byte offset and returns the new node holding the
// tail, inserted right after t.
func (d *Document) SplitText(t *html.Node, offset int) (*html.Node, error) {
	if t.Type != html.TextNode {
		return nil, fmt.Errorf("dom: split: not a text node")
	}
	if offset < 0 || offset > len(t.Data) {
		return nil, ErrBadOffset
	}
	if offset < len(t.Data) && !utf8.RuneStart(t.Data[offset]) {
		return nil, ErrBadOffset
	}
	tail := &html.Node{Type: html.TextNode, Data: t.Data[offset:]}
	d.SetText(t, t.Data[:offset])
	if t.Parent != nil {
		d.InsertBefore(t.Parent, tail, t.NextSibling)
	}
	return tail, nil
}

// Normalize removes empty text nodes under n and merges adjacent ones.
func (d *Document) Normalize(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.TextNode && c.Data == "":
			d.RemoveChild(n, c)
		case c.Type == html.TextNode:
			var merged strings.Builder
			merged.WriteString(c.Data)
			for next != nil && next.Type == html.TextNode {
				merged.WriteString(next.Data)
				after := next.NextSibling
				d.RemoveChild(n, next)
				next = after
			}
			if merged.Len() != len(c.Data) {
				d.SetText(c, merged.String())
			}
		default:
			d.Normalize(c)
		}
		c = next
	}
}

// SetInnerHTML replaces the children of el with the parsed fragment s.
// Declarative shadow roots in s are attached.
func (d *Document) SetInnerHTML(el *html.Node, s string) error {
	// Shadow roots are fragments; they parse like a body.
	context, fallback := el, el
	if el.Type != html.ElementNode {
		context = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
		fallback = nil
	}
	nodes, err := html.ParseFragment(strings.NewReader(s), context)
	if err != nil {
		return fmt.Errorf("dom: set inner html: %w", err)
	}
	holder := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		holder.AppendChild(n)
	}
	d.attachDeclarative(holder, fallback)

	var removed, added []*html.Node
	for c := el.FirstChild; c != nil; {
		next := c.NextSibling
		el.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for c := holder.FirstChild; c != nil; {
		next := c.NextSibling
		holder.RemoveChild(c)
		el.AppendChild(c)
		added = append(added, c)
		c = next
	}
	d.record(MutationRecord{Type: ChildList, Target: el, Added: added, Removed: removed})
	return nil
}

// CreateElement returns a detached element.
func CreateElement(tag string, attrs ...html.Attribute) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, Attr: attrs}
	n.DataAtom = lookupAtom(tag)
	return n
}

// CreateText returns a detached text node.
func CreateText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
