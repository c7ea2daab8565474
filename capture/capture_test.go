package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/highlight"
	"github.com/hazyhaar/webmarker/internal/eventloop"
	"github.com/hazyhaar/webmarker/mark"
	"github.com/hazyhaar/webmarker/restore"
)

const pageURL = "https://x.test/a"

type memStore struct {
	marks     []mark.Mark
	addErr    error
	removeErr error
	updateErr error
}

func (s *memStore) AddMark(_ context.Context, m mark.Mark) error {
	if s.addErr != nil {
		return s.addErr
	}
	for _, x := range s.marks {
		if x.URL == m.URL && x.ID == m.ID {
			return errors.New("duplicate")
		}
	}
	s.marks = append(s.marks, m)
	return nil
}

func (s *memStore) RemoveMark(_ context.Context, url, id string) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	for i, x := range s.marks {
		if x.URL == url && x.ID == id {
			s.marks = append(s.marks[:i], s.marks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memStore) UpdateMarkDetails(_ context.Context, url, id string, note, color *string) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	for i := range s.marks {
		if s.marks[i].URL == url && s.marks[i].ID == id {
			if note != nil {
				s.marks[i].Note = *note
			}
			if color != nil {
				s.marks[i].Color = *color
			}
		}
	}
	return nil
}

func (s *memStore) GetMark(_ context.Context, url, id string) (*mark.Mark, error) {
	for _, x := range s.marks {
		if x.URL == url && x.ID == id {
			c := x
			return &c, nil
		}
	}
	return nil, nil
}

type showCall struct {
	existing    bool
	note, color string
	text        string
}

type tooltip struct {
	shows []showCall
	hides int
}

func (t *tooltip) Show(_, _ float64, existing bool, note, color, text string) {
	t.shows = append(t.shows, showCall{existing, note, color, text})
}

func (t *tooltip) Hide() { t.hides++ }

type harness struct {
	t       *testing.T
	doc     *dom.Document
	store   *memStore
	tip     *tooltip
	clock   *eventloop.ManualClock
	applier *highlight.Applier
	reg     *restore.Registry
	m       *Machine
}

func newHarness(t *testing.T, page string, edit func(*mark.Settings)) *harness {
	t.Helper()
	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:     t,
		doc:   doc,
		store: &memStore{},
		tip:   &tooltip{},
		clock: eventloop.NewManualClock(time.UnixMilli(1700000000000)),
		reg:   restore.NewRegistry(),
	}
	h.applier = highlight.New(doc, highlight.WithClock(h.clock))
	settings := mark.DefaultSettings()
	if edit != nil {
		edit(&settings)
	}
	n := 0
	h.m, err = New(Config{
		Doc:      doc,
		URL:      pageURL,
		Title:    "Test page",
		Store:    h.store,
		Tooltip:  h.tip,
		Applier:  h.applier,
		Registry: h.reg,
		Exec:     eventloop.Immediate{},
		Clock:    h.clock,
		Settings: settings,
		NewID:    func() string { n++; return fmt.Sprintf("id%d", n) },
		Now:      h.clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.m.AttachAll()
	return h
}

func (h *harness) el(sel string) *html.Node {
	h.t.Helper()
	n, err := dom.FindOne(sel, h.doc)
	if err != nil || n == nil {
		h.t.Fatalf("%s not found", sel)
	}
	return n
}

func (h *harness) selectText(sel, text string) *html.Node {
	h.t.Helper()
	el := h.el(sel)
	r := dom.FindText(el, text)
	if r == nil {
		h.t.Fatalf("%q not in %s", text, sel)
	}
	h.doc.Selection().SetRange(r)
	return el
}

func (h *harness) click(target *html.Node, ev dom.Event) {
	ev.Target = target
	ev.Type = "mousedown"
	h.doc.Dispatch(ev)
	ev.Type = "mouseup"
	h.doc.Dispatch(ev)
}

// drag selects text in sel and releases the mouse there.
func (h *harness) drag(sel, text string, ev dom.Event) {
	h.t.Helper()
	el := h.selectText(sel, text)
	if ev.Detail == 0 {
		ev.Detail = 1
	}
	h.click(el, ev)
}

func (h *harness) previewText() string {
	ms, _ := dom.FindAll("mark[data-webmark-preview]", h.doc)
	s := ""
	for _, m := range ms {
		s += dom.TextContent(m)
	}
	return s
}

// create runs a full create cycle and returns the stored mark.
func (h *harness) create(sel, text, note, color string) mark.Mark {
	h.t.Helper()
	before := len(h.store.marks)
	h.drag(sel, text, dom.Event{ClientX: 10, ClientY: 20})
	h.clock.Advance(150 * time.Millisecond)
	h.m.OnSave(note, color)
	if len(h.store.marks) != before+1 {
		h.t.Fatalf("mark not stored (state %v)", h.m.State())
	}
	return h.store.marks[len(h.store.marks)-1]
}

const page = `<body><h1>Greetings</h1><p id="p">hello world</p>` +
	`<p id="q">another line</p><textarea id="ta">typed text</textarea></body>`

func TestScenario_Create(t *testing.T) {
	h := newHarness(t, page, nil)

	h.drag("#p", "hello world", dom.Event{ClientX: 10, ClientY: 20})
	if h.m.State() != AwaitingStableSelection {
		t.Fatalf("state %v, want awaiting", h.m.State())
	}
	if h.previewText() != "" {
		t.Fatal("preview applied before the selection stabilized")
	}
	h.clock.Advance(100 * time.Millisecond)
	if h.m.State() != PreviewActive || h.previewText() != "hello world" {
		t.Fatalf("state %v, preview %q", h.m.State(), h.previewText())
	}
	if len(h.tip.shows) != 0 {
		t.Fatal("tooltip shown before its delay")
	}
	h.clock.Advance(50 * time.Millisecond)
	if len(h.tip.shows) != 1 || h.tip.shows[0].existing || h.tip.shows[0].text != "hello world" {
		t.Fatalf("tooltip: %+v", h.tip.shows)
	}

	h.m.OnSave("greeting", "#FFFF00")

	if len(h.store.marks) != 1 {
		t.Fatalf("stored %d marks", len(h.store.marks))
	}
	m := h.store.marks[0]
	if m.Text != "hello world" || m.Color != "#FFFF00" || m.Note != "greeting" || m.URL != pageURL {
		t.Fatalf("mark: %+v", m)
	}
	if m.ContextTitle != "Greetings" || m.ContextOrder != 0 || m.ContextLevel != 1 {
		t.Fatalf("context: %q %d %d", m.ContextTitle, m.ContextOrder, m.ContextLevel)
	}
	if m.CreatedAt != 1700000000150 || m.Title != "Test page" || m.RangeDescriptor == "" || m.ShadowHostPath != "" {
		t.Fatalf("mark fields: %+v", m)
	}
	ms := h.applier.Markers(m.ID)
	if len(ms) != 1 || dom.TextContent(ms[0]) != "hello world" {
		t.Fatal("highlight does not wrap exactly the selection")
	}
	if h.previewText() != "" || h.m.State() != Idle || !h.reg.Has(m.ID) {
		t.Fatal("capture context not cleared")
	}
	if h.tip.hides == 0 {
		t.Fatal("tooltip not hidden")
	}
	if !h.doc.Selection().IsCollapsed() {
		t.Fatal("selection kept after save")
	}
}

func TestScenario_Delete(t *testing.T) {
	h := newHarness(t, page, nil)
	m := h.create("#p", "hello world", "greeting", "#FFFF00")

	marker := h.applier.Markers(m.ID)[0]
	h.click(marker, dom.Event{Detail: 1, ClientX: 5, ClientY: 5})
	if h.m.State() != EditingExistingMark || h.m.PendingMarkID() != m.ID {
		t.Fatalf("state %v", h.m.State())
	}
	h.clock.Advance(50 * time.Millisecond)
	last := h.tip.shows[len(h.tip.shows)-1]
	if !last.existing || last.note != "greeting" || last.color != "#FFFF00" {
		t.Fatalf("edit tooltip: %+v", last)
	}

	h.m.OnDelete()
	if len(h.store.marks) != 0 {
		t.Fatal("mark still stored")
	}
	p := h.el("#p")
	if p.FirstChild == nil || p.FirstChild != p.LastChild || p.FirstChild.Data != "hello world" {
		t.Fatalf("paragraph: %q", h.doc.InnerHTML(p))
	}
	if h.reg.Has(m.ID) || h.m.State() != Idle {
		t.Fatal("registry or state not reset")
	}
}

func TestScenario_Edit(t *testing.T) {
	h := newHarness(t, page, nil)
	m := h.create("#p", "hello world", "greeting", "#FFFF00")
	marker := h.applier.Markers(m.ID)[0]

	h.click(marker, dom.Event{Detail: 1})
	h.m.OnColorChange("#99FF99", true)
	if highlight.Color(marker) != "#99FF99" {
		t.Fatal("color not changed live")
	}
	h.m.OnSave("changed", "#99FF99")

	got := h.store.marks[0]
	if got.Note != "changed" || got.Color != "#99FF99" {
		t.Fatalf("stored: %+v", got)
	}
	if got.RangeDescriptor != m.RangeDescriptor {
		t.Fatal("edit touched the range descriptor")
	}
	if h.m.State() != Idle {
		t.Fatalf("state %v", h.m.State())
	}
}

func TestScenario_EditCancelRevertsColor(t *testing.T) {
	h := newHarness(t, page, nil)
	m := h.create("#p", "hello world", "", "#FFFF00")
	marker := h.applier.Markers(m.ID)[0]

	h.click(marker, dom.Event{Detail: 1})
	h.m.OnColorChange("#FF9999", true)
	h.m.OnClearPreview()
	if highlight.Color(marker) != "#FFFF00" {
		t.Fatalf("color %q, want reverted", highlight.Color(marker))
	}
	if h.store.marks[0].Color != "#FFFF00" || h.m.State() != Idle {
		t.Fatal("cancel persisted or left the machine active")
	}
}

func TestScenario_EscapeCancelsPreview(t *testing.T) {
	h := newHarness(t, page, nil)
	h.drag("#p", "hello", dom.Event{})
	h.clock.Advance(150 * time.Millisecond)
	if h.previewText() != "hello" {
		t.Fatalf("preview %q", h.previewText())
	}
	h.doc.Dispatch(dom.Event{Type: "keydown", Key: "Escape", Target: h.doc.Body()})
	if h.previewText() != "" || h.m.State() != Idle || len(h.store.marks) != 0 {
		t.Fatal("escape did not discard the preview")
	}
	p := h.el("#p")
	if p.FirstChild != p.LastChild {
		t.Fatal("preview removal left fragmented text")
	}
}

func TestScenario_ClickElsewhereCancels(t *testing.T) {
	h := newHarness(t, page, nil)
	h.drag("#p", "hello", dom.Event{})
	h.clock.Advance(150 * time.Millisecond)
	h.doc.Selection().RemoveAllRanges()
	h.click(h.el("#q"), dom.Event{Detail: 1})
	if h.previewText() != "" || h.m.State() != Idle {
		t.Fatal("click elsewhere kept the preview")
	}
}

func TestShortcuts(t *testing.T) {
	h := newHarness(t, page, nil)
	h.drag("#p", "world", dom.Event{})
	h.clock.Advance(150 * time.Millisecond)
	h.m.OnNoteInput("typed")
	h.doc.Dispatch(dom.Event{Type: "keydown", Key: "s", Alt: true, Target: h.doc.Body()})
	if len(h.store.marks) != 1 || h.store.marks[0].Note != "typed" {
		t.Fatalf("Alt+S did not save: %+v", h.store.marks)
	}

	marker := h.applier.Markers(h.store.marks[0].ID)[0]
	h.click(marker, dom.Event{Detail: 1})
	h.doc.Dispatch(dom.Event{Type: "keydown", Key: "d", Alt: true, Target: h.doc.Body()})
	if len(h.store.marks) != 0 {
		t.Fatal("Alt+D did not delete")
	}
}

func TestSelectionSupersedes(t *testing.T) {
	h := newHarness(t, page, nil)
	h.drag("#p", "hello", dom.Event{})
	h.clock.Advance(50 * time.Millisecond)
	h.drag("#q", "line", dom.Event{})
	h.clock.Advance(60 * time.Millisecond)
	if h.previewText() != "" {
		t.Fatal("first selection acted on")
	}
	h.clock.Advance(40 * time.Millisecond)
	if got := h.previewText(); got != "line" {
		t.Fatalf("preview %q, want %q", got, "line")
	}
}

func TestCreatePolicy_Alt(t *testing.T) {
	h := newHarness(t, page, func(s *mark.Settings) { s.CreatePolicy = mark.CreateOnAlt })
	h.drag("#p", "hello", dom.Event{})
	if h.m.State() != Idle {
		t.Fatal("plain selection opened create mode under alt policy")
	}
	h.drag("#p", "hello", dom.Event{Alt: true})
	if h.m.State() != AwaitingStableSelection {
		t.Fatal("alt selection ignored")
	}
}

func TestCreatePolicy_TripleClick(t *testing.T) {
	h := newHarness(t, page, func(s *mark.Settings) { s.CreatePolicy = mark.CreateOnTripleClick })
	h.drag("#p", "hello", dom.Event{Detail: 2})
	if h.m.State() != Idle {
		t.Fatal("double click opened create mode")
	}
	// Triple click: the paragraph selected by element boundaries.
	p := h.el("#p")
	h.doc.Selection().SetRange(dom.NewRange(p, 0, p, dom.ChildCount(p)))
	h.click(p, dom.Event{Detail: 3})
	h.clock.Advance(150 * time.Millisecond)
	if h.previewText() != "hello world" {
		t.Fatalf("preview %q", h.previewText())
	}
}

func TestIgnoresEditableTargets(t *testing.T) {
	h := newHarness(t, page, nil)
	h.selectText("#p", "hello")
	h.click(h.el("#ta"), dom.Event{Detail: 1})
	if h.m.State() != Idle {
		t.Fatal("mouseup in a textarea started a capture")
	}
}

func TestWhitespaceSelectionIgnored(t *testing.T) {
	h := newHarness(t, `<body><p id="p">a     b</p></body>`, nil)
	p := h.el("#p")
	h.doc.Selection().SetRange(dom.NewRange(p.FirstChild, 1, p.FirstChild, 5))
	h.click(p, dom.Event{Detail: 1})
	h.clock.Advance(time.Second)
	if h.m.State() != Idle || h.previewText() != "" {
		t.Fatal("blank selection captured")
	}
}

func TestSaveFailureUnwraps(t *testing.T) {
	h := newHarness(t, page, nil)
	h.store.addErr = errors.New("store unavailable")
	h.drag("#p", "hello", dom.Event{})
	h.clock.Advance(150 * time.Millisecond)
	h.m.OnSave("", "#FFFF00")

	if ms, _ := dom.FindAll("mark", h.doc); len(ms) != 0 {
		t.Fatal("highlight kept after the store refused it")
	}
	if h.reg.Len() != 0 || h.m.State() != Idle {
		t.Fatal("registry or state not reset")
	}
}

func TestDeleteFailureKeepsHighlight(t *testing.T) {
	h := newHarness(t, page, nil)
	m := h.create("#p", "hello", "", "#FFFF00")
	h.store.removeErr = errors.New("store unavailable")
	h.click(h.applier.Markers(m.ID)[0], dom.Event{Detail: 1})
	h.m.OnDelete()
	if len(h.applier.Markers(m.ID)) != 1 || h.m.State() != Idle {
		t.Fatal("failed delete changed the page or left the tooltip open")
	}
}

func TestShadowRootSelection(t *testing.T) {
	h := newHarness(t, `<body><div id="host"><template shadowrootmode="open">`+
		`<h2>Inside</h2><p id="in">shadow hello</p></template></div></body>`, nil)
	h.drag("#in", "hello", dom.Event{})
	h.clock.Advance(150 * time.Millisecond)
	h.m.OnSave("n", "#99CCFF")
	if len(h.store.marks) != 1 {
		t.Fatal("mark in shadow root not created")
	}
	m := h.store.marks[0]
	if m.ShadowHostPath != "#host" || m.ContextTitle != "Inside" {
		t.Fatalf("mark: %+v", m)
	}

	// Clicking the shadow highlight opens edit mode through the shadow
	// root listener.
	h.click(h.applier.Markers(m.ID)[0], dom.Event{Detail: 1})
	if h.m.State() != EditingExistingMark {
		t.Fatalf("state %v", h.m.State())
	}
}

func TestAttachRootIdempotent(t *testing.T) {
	h := newHarness(t, page, nil)
	if h.m.AttachRoot(h.doc) {
		t.Fatal("document attached twice")
	}
	if h.m.AttachAll() != 0 {
		t.Fatal("AttachAll added listeners again")
	}
}
