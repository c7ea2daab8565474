package restore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/webmarker/anchor"
	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/highlight"
	"github.com/hazyhaar/webmarker/internal/eventloop"
	"github.com/hazyhaar/webmarker/mark"
)

const pageURL = "https://x.test/a"

type memSource struct {
	mu    sync.Mutex
	marks []mark.Mark
	err   error
	calls int
}

func (s *memSource) MarksForURL(_ context.Context, url string) ([]mark.Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []mark.Mark
	for _, m := range s.marks {
		if m.URL == url {
			out = append(out, m)
		}
	}
	return out, nil
}

func parse(t *testing.T, s string) *dom.Document {
	t.Helper()
	d, err := dom.ParseString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// markFor builds a stored mark over the first occurrence of text in the
// element matching sel of page.
func markFor(t *testing.T, page, sel, text, id string) mark.Mark {
	t.Helper()
	d := parse(t, page)
	el, err := dom.FindOne(sel, d)
	if err != nil || el == nil {
		t.Fatalf("%s not found", sel)
	}
	r := dom.FindText(el, text)
	root := d.RootOf(r.Start.Node)
	desc, err := anchor.Codec{Transparent: highlight.IsMarker}.Serialize(root, r)
	if err != nil {
		t.Fatal(err)
	}
	return mark.Mark{
		ID:              id,
		URL:             pageURL,
		Text:            text,
		Color:           "#FFFF00",
		RangeDescriptor: desc,
		ShadowHostPath:  anchor.EncodeHostPath(root),
	}
}

func newLoop(d *dom.Document, src Source, clock eventloop.Clock) (*Loop, *highlight.Applier) {
	a := highlight.New(d, highlight.WithClock(clock))
	lp := New(d, pageURL, src, a, NewRegistry(), eventloop.Immediate{}, WithClock(clock))
	return lp, a
}

const page = `<body><p id="p">hello world</p><p>second paragraph</p></body>`

func TestPass_CrossReloadIdempotent(t *testing.T) {
	src := &memSource{marks: []mark.Mark{
		markFor(t, page, "#p", "hello world", "m1"),
		markFor(t, page, "p + p", "paragraph", "m2"),
	}}
	clock := eventloop.NewManualClock(time.Unix(0, 0))
	d := parse(t, page)
	lp, a := newLoop(d, src, clock)

	var applied []string
	lp.onApplied = func(m mark.Mark) { applied = append(applied, m.ID) }
	lp.Start(context.Background())

	if len(applied) != 2 || lp.Registry().Len() != 2 {
		t.Fatalf("applied %v, registry %v", applied, lp.Registry().IDs())
	}
	ms := a.Markers("m1")
	if len(ms) != 1 || dom.TextContent(ms[0]) != "hello world" {
		t.Fatalf("m1 markers: %d", len(ms))
	}

	before := d.HTML()
	lp.Pass()
	lp.Pass()
	if d.HTML() != before {
		t.Fatal("second pass changed the page")
	}
	if len(a.Markers("m1")) != 1 || len(applied) != 2 {
		t.Fatal("mark applied twice")
	}
	if clock.Pending() != 0 {
		t.Fatal("highlight mutations scheduled a retry")
	}
}

func TestPass_RetriesOnMutation(t *testing.T) {
	full := `<body><x-late id="late"><template shadowrootmode="open"><p>hello world</p></template></x-late></body>`
	m := markFor(t, full, "p", "world", "m1")
	if m.ShadowHostPath != "#late" {
		t.Fatalf("host path %q", m.ShadowHostPath)
	}
	src := &memSource{marks: []mark.Mark{m}}
	clock := eventloop.NewManualClock(time.Unix(0, 0))

	d := parse(t, `<body><x-late id="late"></x-late></body>`)
	lp, a := newLoop(d, src, clock)
	hookRuns := 0
	lp.onPass = func() { hookRuns++ }
	lp.Start(context.Background())
	if lp.Registry().Has("m1") {
		t.Fatal("applied before the shadow root exists")
	}

	host, _ := dom.FindOne("#late", d)
	sr, err := d.AttachShadow(host, dom.ModeOpen)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetInnerHTML(sr.Node(), `<p>hello world</p>`); err != nil {
		t.Fatal(err)
	}
	clock.Advance(499 * time.Millisecond)
	if lp.Registry().Has("m1") {
		t.Fatal("retry ran before the debounce delay")
	}
	clock.Advance(time.Millisecond)
	if !lp.Registry().Has("m1") {
		t.Fatal("mark not restored after mutation")
	}
	if got := a.Markers("m1"); len(got) != 1 || dom.TextContent(got[0]) != "world" {
		t.Fatal("wrong highlight")
	}
	if hookRuns != 2 {
		t.Fatalf("pass hook ran %d times, want 2", hookRuns)
	}
	if src.calls != 2 {
		t.Fatalf("store called %d times, want 2", src.calls)
	}
}

func TestPass_StaleMarkDoesNotBlockOthers(t *testing.T) {
	good := markFor(t, page, "#p", "hello", "good")
	stale := good
	stale.ID = "stale"
	stale.RangeDescriptor = "html[0]/body[0]/p[0]:0,html[0]/body[0]/p[0]:5{00000000}"
	corrupt := good
	corrupt.ID = "corrupt"
	corrupt.RangeDescriptor = "not a descriptor"
	src := &memSource{marks: []mark.Mark{stale, corrupt, good}}

	d := parse(t, page)
	lp, _ := newLoop(d, src, eventloop.NewManualClock(time.Unix(0, 0)))
	lp.Start(context.Background())
	if ids := lp.Registry().IDs(); len(ids) != 1 || ids[0] != "good" {
		t.Fatalf("registry %v, want [good]", ids)
	}
}

func TestPass_StoreFailure(t *testing.T) {
	src := &memSource{err: errors.New("channel closed")}
	d := parse(t, page)
	lp, _ := newLoop(d, src, eventloop.NewManualClock(time.Unix(0, 0)))
	lp.Start(context.Background())
	if lp.Passes() != 1 || lp.Registry().Len() != 0 {
		t.Fatalf("passes %d, registry %d", lp.Passes(), lp.Registry().Len())
	}
}

func TestRefresh(t *testing.T) {
	src := &memSource{marks: []mark.Mark{markFor(t, page, "#p", "hello world", "m1")}}
	d := parse(t, page)
	lp, a := newLoop(d, src, eventloop.NewManualClock(time.Unix(0, 0)))
	lp.Start(context.Background())

	// A mark removed from the store disappears on refresh.
	src.marks = nil
	lp.Refresh()
	if len(a.Markers("m1")) != 0 || lp.Registry().Len() != 0 {
		t.Fatal("refresh kept a deleted mark")
	}
	p, _ := dom.FindOne("#p", d)
	if p.FirstChild != p.LastChild {
		t.Fatal("refresh left fragmented text")
	}
}

func TestStop(t *testing.T) {
	src := &memSource{}
	clock := eventloop.NewManualClock(time.Unix(0, 0))
	d := parse(t, page)
	lp, _ := newLoop(d, src, clock)
	lp.Start(context.Background())
	lp.Stop()

	body := d.Body()
	d.AppendChild(body, dom.CreateElement("div"))
	clock.Advance(time.Second)
	if src.calls != 1 {
		t.Fatalf("store called %d times after stop", src.calls)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if !r.Add("a") || r.Add("a") || !r.Add("b") {
		t.Fatal("Add")
	}
	r.Remove("a")
	if r.Has("a") || !r.Has("b") || r.Len() != 1 {
		t.Fatal("Remove")
	}
	r.Clear()
	if r.Len() != 0 || len(r.IDs()) != 0 {
		t.Fatal("Clear")
	}
}
