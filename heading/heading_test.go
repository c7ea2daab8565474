package heading

import (
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webmarker/anchor"
	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/mark"
)

const page = `<body><p id="pre">before all</p>` +
	`<h1 id="h1">Intro</h1><p>a</p>` +
	`<h2>Second   part</h2><p id="mid">middle text</p>` +
	`<h3>Third</h3><p id="end">end</p></body>`

func parse(t *testing.T, s string) *dom.Document {
	t.Helper()
	d, err := dom.ParseString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestExtract_Order(t *testing.T) {
	d := parse(t, page)
	mid, _ := dom.FindOne("#mid", d)

	c := Extract(anchor.Default, d, dom.FindText(mid, "text"))
	if c.Order != 1 || c.Level != 2 || c.Title != "Second part" {
		t.Fatalf("got %+v, want order 1 level 2 %q", c, "Second part")
	}
	h, err := Locate(anchor.Default, d, c.Selector)
	if err != nil || h == nil || dom.TextContent(h) != "Second   part" {
		t.Fatalf("selector %q does not resolve to the heading", c.Selector)
	}

	pre, _ := dom.FindOne("#pre", d)
	c = Extract(anchor.Default, d, dom.FindText(pre, "before"))
	if c != Uncategorized || c.Order != -1 || c.Title != mark.Uncategorized {
		t.Fatalf("got %+v, want uncategorized", c)
	}
}

func TestExtract_IDSelector(t *testing.T) {
	d := parse(t, page)
	h1, _ := dom.FindOne("#h1", d)
	c := Extract(anchor.Default, d, dom.FindText(h1, "Intro"))
	if c.Order != 0 || c.Selector != "#h1" {
		t.Fatalf("got %+v", c)
	}
}

func TestExtract_ShadowHeadings(t *testing.T) {
	d := parse(t, `<body><h1>Top</h1><x-doc id="x"><template shadowrootmode="open">`+
		`<h2>Inside</h2><p id="in">shadow text</p></template></x-doc><h2>After</h2></body>`)
	in, _ := dom.FindOne("#in", d)
	c := Extract(anchor.Default, d, dom.FindText(in, "shadow"))
	if c.Title != "Inside" || c.Order != 1 {
		t.Fatalf("got %+v, want Inside/1", c)
	}
	if got := len(Outline(anchor.Default, d)); got != 3 {
		t.Fatalf("outline has %d headings, want 3", got)
	}
}

func TestLocate_ShadowHeadingSharesLightID(t *testing.T) {
	d := parse(t, `<body><h2 id="intro">Light</h2>`+
		`<x-doc><template shadowrootmode="open"><h2 id="intro">Shadow</h2><p id="in">shadow text</p></template></x-doc></body>`)
	host, _ := dom.FindOne("x-doc", d)
	in, _ := d.ShadowRoot(host).QueryOne("#in")

	c := Extract(anchor.Default, d, dom.FindText(in, "shadow"))
	if c.Title != "Shadow" {
		t.Fatalf("got %+v, want Shadow", c)
	}
	if !strings.Contains(c.Selector, anchor.HostSeparator) {
		t.Fatalf("selector %q has no host path", c.Selector)
	}
	h, err := Locate(anchor.Default, d, c.Selector)
	if err != nil || h == nil || dom.TextContent(h) != "Shadow" {
		t.Fatalf("selector %q resolved to %v, %v", c.Selector, h, err)
	}
	if h, _ := Locate(anchor.Default, d, "#intro"); h == nil || dom.TextContent(h) != "Light" {
		t.Fatal("plain selector should resolve in the document first")
	}
}

func TestLocate_ThroughMarkers(t *testing.T) {
	d := parse(t, `<body>lead <h2>Before</h2><p id="p">tail text</p><h2>Target</h2><p id="q">after</p></body>`)
	codec := anchor.Codec{Transparent: func(n *html.Node) bool { return dom.HasAttr(n, "data-m") }}
	q, _ := dom.FindOne("#q", d)
	c := Extract(codec, d, dom.FindText(q, "after"))

	body := d.Body()
	mk := dom.CreateElement("mark", html.Attribute{Key: "data-m", Val: "1"})
	lead := body.FirstChild
	d.InsertBefore(body, mk, lead)
	d.RemoveChild(body, lead)
	d.AppendChild(mk, lead)

	h, err := Locate(codec, d, c.Selector)
	if err != nil || h == nil || dom.TextContent(h) != "Target" {
		t.Fatalf("selector %q resolved to %v, %v", c.Selector, h, err)
	}
}

func TestApply(t *testing.T) {
	var m mark.Mark
	Context{Title: "T", Selector: "#t", Level: 3, Order: 4}.Apply(&m)
	if m.ContextTitle != "T" || m.ContextSelector != "#t" || m.ContextLevel != 3 || m.ContextOrder != 4 {
		t.Fatalf("got %+v", m)
	}
}
