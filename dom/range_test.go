package dom

import (
	"strings"
	"testing"
)

func TestRange_TextAcrossElements(t *testing.T) {
	d := mustParse(t, `<p id="p">hello <b>brave</b> new world</p>`)
	p, _ := d.QueryOne("#p")
	first := p.FirstChild
	last := p.LastChild

	r := NewRange(first, 2, last, 4)
	if got := r.Text(); got != "llo brave new" {
		t.Fatalf("got %q", got)
	}
	segs := r.Segments()
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	if !segs[1].Whole() || segs[0].Whole() {
		t.Fatal("segment coverage wrong")
	}
	if ca := r.CommonAncestor(); ca != p {
		t.Fatalf("common ancestor: got %v", ca)
	}
}

func TestRange_ElementBoundaries(t *testing.T) {
	d := mustParse(t, `<div id="d"><p>one</p><p>two</p><p>three</p></div>`)
	div, _ := d.QueryOne("#d")

	// Triple-click style: from the start of the 2nd paragraph to the start
	// of the 3rd.
	r := NewRange(ChildAt(div, 1), 0, div, 2)
	if got := r.Text(); got != "two" {
		t.Fatalf("got %q, want %q", got, "two")
	}
	if got := RangeOver(div).Text(); got != "onetwothree" {
		t.Fatalf("RangeOver: got %q", got)
	}
}

func TestRange_HTML(t *testing.T) {
	d := mustParse(t, `<p id="p">ab<b>cd</b>ef</p>`)
	p, _ := d.QueryOne("#p")
	r := NewRange(p.FirstChild, 1, p.LastChild, 1)
	if got := r.HTML(); got != "b<b>cd</b>e" {
		t.Fatalf("got %q", got)
	}
	r2 := FindText(p, "cd")
	if got := r2.HTML(); got != "cd" {
		t.Fatalf("text-only html: got %q", got)
	}
}

func TestRange_CollapsedAndClone(t *testing.T) {
	d := mustParse(t, `<p>abc</p>`)
	r := FindText(d.Node(), "abc")
	if r.Collapsed() {
		t.Fatal("non-empty range reported collapsed")
	}
	c := r.Clone()
	c.End.Offset = c.Start.Offset
	if !c.Collapsed() || r.Collapsed() {
		t.Fatal("clone shares state with original")
	}
}

func TestSelection(t *testing.T) {
	d := mustParse(t, `<p>hello world</p>`)
	sel := d.Selection()
	if !sel.IsCollapsed() {
		t.Fatal("empty selection not collapsed")
	}
	sel.SetRange(FindText(d.Node(), "world"))
	if sel.String() != "world" {
		t.Fatalf("got %q", sel.String())
	}
	sel.RemoveAllRanges()
	if sel.Range() != nil {
		t.Fatal("RemoveAllRanges kept a range")
	}
}

func TestRange_SegmentsInShadowTree(t *testing.T) {
	d := mustParse(t, shadowPage)
	sr := d.ShadowRoot(elementByID(t, d, "host"))
	r := FindText(sr.Node(), "inside")
	if r == nil {
		t.Fatal("text not found")
	}
	if r.Root(d) != Root(sr) {
		t.Fatal("range root is not the shadow root")
	}
	if !strings.EqualFold(r.Text(), "inside") {
		t.Fatalf("got %q", r.Text())
	}
}
