package dom

import "testing"

func TestFindAll_DeepPreOrder(t *testing.T) {
	d := mustParse(t, shadowPage)
	got, err := FindAll(".x", d)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"inside", "deep", "light", "after"}
	if len(got) != len(want) {
		t.Fatalf("got %d matches, want %d", len(got), len(want))
	}
	for i, n := range got {
		if TextContent(n) != want[i] {
			t.Errorf("match %d: got %q, want %q", i, TextContent(n), want[i])
		}
	}
}

func TestFindOne_FromShadowRoot(t *testing.T) {
	d := mustParse(t, shadowPage)
	host := elementByID(t, d, "host")
	sr := d.ShadowRoot(host)

	em, err := FindOne("em", sr)
	if err != nil || em == nil {
		t.Fatalf("FindOne from shadow root: %v %v", em, err)
	}
	if i, _ := FindOne("i", sr); i != nil {
		t.Fatal("search escaped its root")
	}
}

func TestFindOne_BadSelector(t *testing.T) {
	d := mustParse(t, `<p></p>`)
	if _, err := FindOne("p[", d); err == nil {
		t.Fatal("expected selector error")
	}
}

func TestShadowRoots(t *testing.T) {
	d := mustParse(t, shadowPage)
	roots := d.ShadowRoots(d)
	if len(roots) != 2 {
		t.Fatalf("got %d roots, want 2", len(roots))
	}
	if roots[0].Host().Data != "div" || Attr(roots[1].Host(), "id") != "inner" {
		t.Fatalf("unexpected order: %v %v", roots[0].Host(), roots[1].Host())
	}
}

func TestSelectorFor(t *testing.T) {
	d := mustParse(t, `<body><div><p>a</p><p id="dup">b</p><p id="dup">c</p><p id="ok">d</p></div></body>`)
	all, _ := d.QueryAll("p")
	for _, p := range all {
		sel := SelectorFor(p)
		got, err := d.QueryAll(sel)
		if err != nil {
			t.Fatalf("selector %q: %v", sel, err)
		}
		if len(got) != 1 || got[0] != p {
			t.Fatalf("selector %q matched %d nodes", sel, len(got))
		}
	}
	ok, _ := d.QueryOne("#ok")
	if got := SelectorFor(ok); got != "#ok" {
		t.Fatalf("got %q, want #ok", got)
	}
}

func TestSelectorFor_InsideShadowRoot(t *testing.T) {
	d := mustParse(t, `<div id="h"><template shadowrootmode="open"><p>a</p><p>b</p></template></div>`)
	sr := d.ShadowRoot(elementByID(t, d, "h"))
	ps, _ := sr.QueryAll("p")
	sel := SelectorFor(ps[1])
	got, err := sr.QueryOne(sel)
	if err != nil || got != ps[1] {
		t.Fatalf("selector %q resolved to %v (%v)", sel, got, err)
	}
}

func TestDeepIndex(t *testing.T) {
	d := mustParse(t, shadowPage)
	idx := d.DeepIndex()
	all, _ := FindAll(".x", d)
	for i := 1; i < len(all); i++ {
		if idx[all[i-1]] >= idx[all[i]] {
			t.Fatalf("deep index not increasing at %d", i)
		}
	}
}
