package highlight

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webmarker/anchor"
	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/internal/eventloop"
)

func parse(t *testing.T, s string) (*dom.Document, *html.Node) {
	t.Helper()
	d, err := dom.ParseString(s)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := dom.FindOne("#p", d)
	return d, p
}

func textChildren(n *html.Node) int {
	c := 0
	for k := n.FirstChild; k != nil; k = k.NextSibling {
		if k.Type == html.TextNode {
			c++
		}
	}
	return c
}

func TestApply_WrapsExactText(t *testing.T) {
	d, p := parse(t, `<p id="p">say hello world now</p>`)
	a := New(d)

	ms, err := a.Apply(dom.FindText(p, "hello world"), "m1", "#FFFF00")
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 {
		t.Fatalf("got %d markers, want 1", len(ms))
	}
	if got := dom.TextContent(ms[0]); got != "hello world" {
		t.Fatalf("marker text: got %q, want %q", got, "hello world")
	}
	if dom.TextContent(p) != "say hello world now" {
		t.Fatalf("paragraph text changed: %q", dom.TextContent(p))
	}
	if !dom.HasClass(ms[0], ClassFor("m1")) || Color(ms[0]) != "#FFFF00" {
		t.Fatalf("marker attributes: %v", ms[0].Attr)
	}
	if MarkAt(ms[0].FirstChild) != "m1" {
		t.Fatal("MarkAt did not find the marker")
	}
}

func TestApply_AcrossElementsSkipsBlank(t *testing.T) {
	d, p := parse(t, `<div id="p"><p>one two</p>  <p>three four</p></div>`)
	a := New(d)
	first := p.FirstChild.FirstChild
	last := p.LastChild.FirstChild
	ms, err := a.Apply(dom.NewRange(first, 4, last, 5), "m1", "#99FF99")
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("got %d markers, want 2 (blank text between paragraphs skipped)", len(ms))
	}
	if dom.TextContent(ms[0]) != "two" || dom.TextContent(ms[1]) != "three" {
		t.Fatalf("got %q %q", dom.TextContent(ms[0]), dom.TextContent(ms[1]))
	}
}

func TestApply_EmptyRange(t *testing.T) {
	d, p := parse(t, `<p id="p">a   b</p>`)
	a := New(d)
	r := dom.NewRange(p.FirstChild, 1, p.FirstChild, 4)
	if _, err := a.Apply(r, "m1", "#FFFF00"); !errors.Is(err, ErrEmptyRange) {
		t.Fatalf("got %v, want ErrEmptyRange", err)
	}
	if textChildren(p) != 1 {
		t.Fatal("failed apply split the text")
	}
}

func TestUnwrap_Normalizes(t *testing.T) {
	d, p := parse(t, `<p id="p">abcdef</p>`)
	a := New(d)
	if _, err := a.Apply(dom.FindText(p, "cd"), "m1", "#FFFF00"); err != nil {
		t.Fatal(err)
	}
	if n := a.Remove("m1"); n != 1 {
		t.Fatalf("removed %d markers, want 1", n)
	}
	if p.FirstChild == nil || p.FirstChild != p.LastChild || p.FirstChild.Data != "abcdef" {
		t.Fatalf("got %q, want a single text node \"abcdef\"", d.InnerHTML(p))
	}

	// A fresh serialize/apply cycle on the same text works.
	r := dom.FindText(p, "bcd")
	desc, err := anchor.Serialize(d, r)
	if err != nil {
		t.Fatal(err)
	}
	back, err := anchor.Deserialize(d, desc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Apply(back, "m2", "#FFFF00"); err != nil {
		t.Fatal(err)
	}
	if got := d.InnerHTML(p); !strings.Contains(got, ">bcd</mark>") {
		t.Fatalf("got %q", got)
	}
}

func TestApply_OverlapKeepsExisting(t *testing.T) {
	d, p := parse(t, `<p id="p">hello brave new world</p>`)
	a := New(d)
	codec := anchor.Codec{Transparent: IsMarker}

	if _, err := a.Apply(dom.FindText(p, "brave new"), "m1", "#FFFF00"); err != nil {
		t.Fatal(err)
	}
	// "new world" partially overlaps m1.
	r := dom.NewRange(dom.FindText(p, "new").Start.Node, 6, p.LastChild, len(" world"))
	if got := r.Text(); got != "new world" {
		t.Fatalf("setup: got %q", got)
	}
	desc, err := codec.Serialize(d, r)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Apply(r, "m2", "#99CCFF"); err != nil {
		t.Fatal(err)
	}
	if got := textOf(a.Markers("m1")); got != "brave new" {
		t.Fatalf("m1 text: got %q, want %q", got, "brave new")
	}
	if got := textOf(a.Markers("m2")); got != "new world" {
		t.Fatalf("m2 text: got %q, want %q", got, "new world")
	}

	// Removing the outer mark keeps the inner one and its descriptor.
	a.Remove("m1")
	if got := textOf(a.Markers("m2")); got != "new world" {
		t.Fatalf("m2 after removing m1: got %q", got)
	}
	back, err := codec.Deserialize(d, desc)
	if err != nil {
		t.Fatal(err)
	}
	if back.Text() != "new world" {
		t.Fatalf("descriptor after unwrap: got %q", back.Text())
	}
	a.Remove("m2")
	if dom.TextContent(p) != "hello brave new world" || textChildren(p) != 1 {
		t.Fatalf("got %q", d.InnerHTML(p))
	}
}

func textOf(ms []*html.Node) string {
	var b strings.Builder
	for _, m := range ms {
		b.WriteString(dom.TextContent(m))
	}
	return b.String()
}

func TestPreviewCommit(t *testing.T) {
	d, p := parse(t, `<p id="p">one two three</p>`)
	a := New(d)

	if _, err := a.Preview(dom.FindText(p, "one"), "#FFFF00"); err != nil {
		t.Fatal(err)
	}
	// A second preview replaces the first.
	if _, err := a.Preview(dom.FindText(p, "three"), "#FFFF00"); err != nil {
		t.Fatal(err)
	}
	if !a.HasPreview() || textOf(a.previews()) != "three" {
		t.Fatalf("preview: %q", textOf(a.previews()))
	}
	if a.RecolorPreview("#FF9999") != 1 || Color(a.previews()[0]) != "#FF9999" {
		t.Fatal("recolor preview")
	}

	ms := a.Commit("m1", "#FF9999")
	if len(ms) != 1 || a.HasPreview() {
		t.Fatalf("commit: %d markers, preview left %v", len(ms), a.HasPreview())
	}
	if got := a.Markers("m1"); len(got) != 1 || dom.Attr(got[0], AttrID) != "m1" {
		t.Fatal("committed marker not found by id")
	}
	if a.Recolor("m1", "#99CCFF") != 1 || Color(ms[0]) != "#99CCFF" {
		t.Fatal("recolor")
	}
}

func TestRemovePreview(t *testing.T) {
	d, p := parse(t, `<p id="p">abcdef</p>`)
	a := New(d)
	if _, err := a.Preview(dom.FindText(p, "bc"), "#FFFF00"); err != nil {
		t.Fatal(err)
	}
	if !InPreview(a.previews()[0].FirstChild) {
		t.Fatal("InPreview")
	}
	if a.RemovePreview() != 1 || textChildren(p) != 1 || p.FirstChild.Data != "abcdef" {
		t.Fatalf("got %q", d.InnerHTML(p))
	}
}

func TestMutationsCarryOrigin(t *testing.T) {
	d, p := parse(t, `<p id="p">abcdef</p>`)
	var origins []string
	d.Observe(func(rs []dom.MutationRecord) {
		for _, r := range rs {
			origins = append(origins, r.Origin)
		}
	})
	a := New(d)
	if _, err := a.Apply(dom.FindText(p, "cd"), "m1", "#FFFF00"); err != nil {
		t.Fatal(err)
	}
	a.Remove("m1")
	if len(origins) == 0 {
		t.Fatal("no records")
	}
	for _, o := range origins {
		if o != Origin {
			t.Fatalf("record with origin %q", o)
		}
	}
}

func TestMarkersInShadowRoot(t *testing.T) {
	d, _ := parse(t, `<div id="h"><template shadowrootmode="open"><p id="in">inside text</p></template></div>`)
	in, _ := dom.FindOne("#in", d)
	a := New(d)
	if _, err := a.Apply(dom.FindText(in, "text"), "m1", "#FFFF00"); err != nil {
		t.Fatal(err)
	}
	if len(a.Markers("m1")) != 1 {
		t.Fatal("marker in shadow root not found")
	}
	if a.RemoveAll() != 1 || len(a.Markers("m1")) != 0 {
		t.Fatal("RemoveAll")
	}
}

func TestFlash(t *testing.T) {
	d, p := parse(t, `<p id="p">abcdef</p>`)
	clock := eventloop.NewManualClock(time.Unix(0, 0))
	a := New(d, WithClock(clock), WithFlashDuration(time.Second))
	ms, err := a.Apply(dom.FindText(p, "cd"), "m1", "#FFFF00")
	if err != nil {
		t.Fatal(err)
	}
	if a.Flash("missing") {
		t.Fatal("flashed a missing mark")
	}
	if !a.Flash("m1") || !Flashing(ms[0]) {
		t.Fatal("not flashing")
	}
	clock.Advance(600 * time.Millisecond)
	a.Flash("m1") // restarts the timer
	clock.Advance(600 * time.Millisecond)
	if !Flashing(ms[0]) {
		t.Fatal("restarted flash ended early")
	}
	clock.Advance(500 * time.Millisecond)
	if Flashing(ms[0]) {
		t.Fatal("flash did not end")
	}
}

func TestFlash_UntimedWithoutLoop(t *testing.T) {
	d, p := parse(t, `<p id="p">abcdef</p>`)
	a := New(d, WithClock(eventloop.RealClock{}))
	ms, err := a.Apply(dom.FindText(p, "cd"), "m1", "#FFFF00")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Flash("m1") {
		t.Fatal("mark not found")
	}
	if Flashing(ms[0]) || len(a.flashes) != 0 {
		t.Fatal("flash armed a timer that would fire off the loop")
	}
}
