// Package capture turns raw mouse and keyboard events into highlight
// actions: preview a new selection, edit or delete an existing mark, cancel.
//
// The machine owns a single pending capture context. It is created when a
// selection is captured or a mark is clicked and is consumed exactly once by
// save, delete or cancel. Timers and store round trips are the only points
// where the machine yields; continuations check a generation counter so a
// superseded request never acts.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webmarker/anchor"
	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/heading"
	"github.com/hazyhaar/webmarker/highlight"
	"github.com/hazyhaar/webmarker/idgen"
	"github.com/hazyhaar/webmarker/internal/eventloop"
	"github.com/hazyhaar/webmarker/mark"
	"github.com/hazyhaar/webmarker/restore"
)

// State is the machine state.
type State int

const (
	Idle State = iota
	AwaitingStableSelection
	PreviewActive
	EditingExistingMark
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingStableSelection:
		return "awaiting-stable-selection"
	case PreviewActive:
		return "preview-active"
	case EditingExistingMark:
		return "editing-existing-mark"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Tooltip is the UI collaborator that shows the note and color editor.
type Tooltip interface {
	Show(x, y float64, existing bool, note, color, text string)
	Hide()
}

// Store is the persistence collaborator.
type Store interface {
	AddMark(ctx context.Context, m mark.Mark) error
	RemoveMark(ctx context.Context, url, id string) error
	UpdateMarkDetails(ctx context.Context, url, id string, note, color *string) error
	GetMark(ctx context.Context, url, id string) (*mark.Mark, error)
}

// Config wires a Machine to its page and collaborators.
type Config struct {
	Doc      *dom.Document
	URL      string // canonical
	Title    string
	Store    Store
	Tooltip  Tooltip
	Applier  *highlight.Applier
	Registry *restore.Registry
	Exec     eventloop.Executor
	Clock    eventloop.Clock
	Settings mark.Settings
	Logger   *slog.Logger
	NewID    idgen.Generator
	Now      func() time.Time
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingCreate
	pendingEdit
)

// pending is the capture context of one create or edit cycle.
type pending struct {
	kind pendingKind

	root       dom.Root
	rng        *dom.Range // baked at mouseup
	descriptor string
	hostPath   string
	text       string
	html       string
	context    heading.Context
	x, y       float64

	markID string
	orig   mark.Mark // stored state of the edited mark

	note  string
	color string
}

// Machine is the capture state machine of one page.
type Machine struct {
	cfg       Config
	codec     anchor.Codec
	save, del mark.Shortcut
	stabilize *eventloop.Slot
	showTip   *eventloop.Slot
	logger    *slog.Logger

	state   State
	pend    pending
	gen     uint64
	lastSeq uint64
	roots   map[*html.Node]func()
	ctx     context.Context
}

// New validates cfg and returns an idle machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Doc == nil || cfg.Store == nil || cfg.Applier == nil || cfg.Exec == nil {
		return nil, errors.New("capture: doc, store, applier and executor are required")
	}
	if cfg.URL == "" {
		return nil, errors.New("capture: empty url")
	}
	if cfg.Clock == nil {
		cfg.Clock = eventloop.RealClock{}
	}
	if err := eventloop.CheckPairing(cfg.Clock, cfg.Exec); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	cfg.Settings.Defaults()
	if cfg.Tooltip == nil {
		cfg.Tooltip = nopTooltip{}
	}
	if cfg.Registry == nil {
		cfg.Registry = restore.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = mark.NewID
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	save, err := mark.ParseShortcut(cfg.Settings.ShortcutSave)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	del, err := mark.ParseShortcut(cfg.Settings.ShortcutDelete)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return &Machine{
		cfg:       cfg,
		codec:     highlight.Codec,
		save:      save,
		del:       del,
		stabilize: eventloop.NewSlot("selection-stabilize", cfg.Clock, cfg.Exec),
		showTip:   eventloop.NewSlot("tooltip-show", cfg.Clock, cfg.Exec),
		logger:    cfg.Logger,
		roots:     make(map[*html.Node]func()),
		ctx:       context.Background(),
	}, nil
}

// SetContext sets the context passed to store calls.
func (m *Machine) SetContext(ctx context.Context) { m.ctx = ctx }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// PendingMarkID returns the id of the mark being edited, or "".
func (m *Machine) PendingMarkID() string {
	if m.pend.kind != pendingEdit {
		return ""
	}
	return m.pend.markID
}

// AttachRoot listens for events on root unless already listening. It
// reports whether a listener was added.
func (m *Machine) AttachRoot(root dom.Root) bool {
	key := root.Node()
	if _, ok := m.roots[key]; ok {
		return false
	}
	m.roots[key] = m.cfg.Doc.Listen(root, m.HandleEvent)
	return true
}

// AttachAll listens on the document and every open shadow root in it.
func (m *Machine) AttachAll() int {
	n := 0
	if m.AttachRoot(m.cfg.Doc) {
		n++
	}
	for _, sr := range m.cfg.Doc.ShadowRoots(m.cfg.Doc) {
		if m.AttachRoot(sr) {
			n++
		}
	}
	return n
}

// Detach removes every listener and cancels the pending capture.
func (m *Machine) Detach() {
	for k, remove := range m.roots {
		remove()
		delete(m.roots, k)
	}
	m.reset()
}

// HandleEvent processes an event snapshot. The same dispatch reaches the
// machine once per attached root on its path; only the first, innermost
// delivery is used.
func (m *Machine) HandleEvent(ev dom.Event) {
	if ev.Seq != 0 {
		if ev.Seq == m.lastSeq {
			return
		}
		m.lastSeq = ev.Seq
	}
	m.guard(ev.Type, func() {
		switch ev.Type {
		case "mousedown":
			m.onMouseDown(ev)
		case "mouseup":
			m.onMouseUp(ev)
		case "keydown":
			m.onKeyDown(ev)
		}
	})
}

// guard runs fn and turns a panic into a logged reset to idle.
func (m *Machine) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("capture: operation failed", "op", op, "panic", r)
			m.reset()
		}
	}()
	fn()
}

func (m *Machine) onMouseDown(ev dom.Event) {
	if dom.IsEditable(ev.Target) {
		return
	}
	switch m.state {
	case PreviewActive:
		if highlight.InPreview(ev.Target) {
			return
		}
		m.cancel()
	case EditingExistingMark:
		if highlight.MarkAt(ev.Target) == m.pend.markID {
			return
		}
		m.cancel()
	}
}

func (m *Machine) onMouseUp(ev dom.Event) {
	if dom.IsEditable(ev.Target) {
		return
	}
	sel := m.cfg.Doc.Selection()
	if sel.IsCollapsed() {
		m.onClick(ev)
		return
	}
	if !m.cfg.Settings.CreatePolicy.Allows(ev) {
		return
	}

	// Consume the selection now: a live range can still snap back after
	// a double or triple click.
	baked := sel.Range().Clone()
	sel.SetRange(baked.Clone())
	p, err := m.bake(baked)
	if err != nil {
		m.logger.Debug("capture: selection ignored", "error", err)
		return
	}
	p.x, p.y = ev.ClientX, ev.ClientY

	m.cancel()
	m.pend = p
	m.state = AwaitingStableSelection
	gen := m.next()
	m.stabilize.Schedule(m.cfg.Settings.StabilizeDelay, func() {
		m.guard("stabilize", func() { m.stabilized(gen) })
	})
}

// bake serializes r and snapshots everything a save needs.
func (m *Machine) bake(r *dom.Range) (pending, error) {
	doc := m.cfg.Doc
	root := doc.RootOf(r.Start.Node)
	if root == nil || doc.RootOf(r.End.Node) != root {
		return pending{}, errors.New("selection spans several roots")
	}
	text := r.Text()
	if dom.IsBlank(text) {
		return pending{}, highlight.ErrEmptyRange
	}
	desc, err := m.codec.Serialize(root, r)
	if err != nil {
		return pending{}, err
	}
	return pending{
		kind:       pendingCreate,
		root:       root,
		rng:        r,
		descriptor: desc,
		hostPath:   m.codec.EncodeHostPath(root),
		text:       text,
		html:       r.HTML(),
		context:    heading.Extract(m.codec, doc, r),
		color:      m.cfg.Settings.DefaultColor,
	}, nil
}

func (m *Machine) stabilized(gen uint64) {
	if gen != m.gen || m.state != AwaitingStableSelection {
		return
	}
	if m.cfg.Doc.Selection().IsCollapsed() {
		m.reset()
		return
	}
	r, err := m.codec.Deserialize(m.pend.root, m.pend.descriptor)
	if err != nil {
		r = m.pend.rng
	}
	if _, err := m.cfg.Applier.Preview(r, m.pend.color); err != nil {
		m.logger.Debug("capture: preview", "error", err)
		m.reset()
		return
	}
	m.state = PreviewActive
	m.scheduleTooltip(false)
}

func (m *Machine) scheduleTooltip(existing bool) {
	gen := m.gen
	p := m.pend
	m.showTip.Schedule(m.cfg.Settings.TooltipDelay, func() {
		if gen != m.gen {
			return
		}
		m.cfg.Tooltip.Show(p.x, p.y, existing, p.note, p.color, p.text)
	})
}

// onClick handles a mouseup with a collapsed selection.
func (m *Machine) onClick(ev dom.Event) {
	if id := highlight.MarkAt(ev.Target); id != "" {
		if m.state == EditingExistingMark && m.pend.markID == id {
			return
		}
		m.edit(id, ev)
		return
	}
	if m.state == PreviewActive && highlight.InPreview(ev.Target) {
		m.pend.x, m.pend.y = ev.ClientX, ev.ClientY
		m.scheduleTooltip(false)
		return
	}
	if m.state != Idle {
		m.cancel()
	}
}

func (m *Machine) edit(id string, ev dom.Event) {
	m.cancel()
	gen := m.next()
	var got *mark.Mark
	m.cfg.Exec.Await(m.ctx, func(ctx context.Context) error {
		var err error
		got, err = m.cfg.Store.GetMark(ctx, m.cfg.URL, id)
		return err
	}, func(err error) {
		m.guard("edit", func() {
			if gen != m.gen {
				return
			}
			if err != nil {
				m.logger.Warn("capture: load mark", "id", id, "error", err)
				return
			}
			if got == nil {
				m.logger.Debug("capture: clicked mark is not stored", "id", id)
				return
			}
			m.pend = pending{
				kind:       pendingEdit,
				markID:     id,
				orig:       *got,
				descriptor: got.RangeDescriptor,
				hostPath:   got.ShadowHostPath,
				root:       m.cfg.Doc.RootOf(ev.Target),
				text:       got.Text,
				note:       got.Note,
				color:      got.Color,
				x:          ev.ClientX,
				y:          ev.ClientY,
			}
			m.state = EditingExistingMark
			m.scheduleTooltip(true)
		})
	})
}

func (m *Machine) onKeyDown(ev dom.Event) {
	if dom.IsEditable(ev.Target) {
		return
	}
	switch {
	case ev.Key == "Escape":
		if m.state != Idle {
			m.cancel()
		}
	case m.save.Matches(ev):
		if m.state == PreviewActive || m.state == EditingExistingMark {
			m.OnSave(m.pend.note, m.pend.color)
		}
	case m.del.Matches(ev):
		if m.state == EditingExistingMark {
			m.OnDelete()
		}
	}
}

// OnNoteInput records the note being typed, for the save shortcut.
func (m *Machine) OnNoteInput(note string) {
	if m.pend.kind != pendingNone {
		m.pend.note = note
	}
}

// OnSave creates the previewed mark or updates the edited one.
func (m *Machine) OnSave(note, color string) {
	m.guard("save", func() {
		if color == "" {
			color = m.pend.color
		}
		switch m.state {
		case PreviewActive:
			m.create(note, color)
		case EditingExistingMark:
			m.update(note, color)
		}
	})
}

func (m *Machine) create(note, color string) {
	p := m.pend
	mk := mark.Mark{
		ID:              m.cfg.NewID(),
		URL:             m.cfg.URL,
		Text:            p.text,
		HTML:            p.html,
		Note:            note,
		Color:           color,
		RangeDescriptor: p.descriptor,
		ShadowHostPath:  p.hostPath,
		CreatedAt:       m.cfg.Now().UnixMilli(),
		Title:           m.cfg.Title,
	}
	p.context.Apply(&mk)
	if err := mk.Validate(); err != nil {
		m.logger.Debug("capture: mark not created", "error", err)
		m.cancel()
		return
	}

	// The preview becomes the highlight right away and is unwrapped again
	// if the store refuses the mark.
	m.cfg.Applier.Commit(mk.ID, color)
	m.cfg.Registry.Add(mk.ID)
	m.cfg.Doc.Selection().RemoveAllRanges()
	m.reset()

	m.cfg.Exec.Await(m.ctx, func(ctx context.Context) error {
		return m.cfg.Store.AddMark(ctx, mk)
	}, func(err error) {
		if err == nil {
			m.logger.Debug("capture: mark created", "id", mk.ID, "url", mk.URL)
			return
		}
		m.logger.Error("capture: add mark", "id", mk.ID, "error", err)
		m.cfg.Applier.Remove(mk.ID)
		m.cfg.Registry.Remove(mk.ID)
	})
}

func (m *Machine) update(note, color string) {
	id, orig := m.pend.markID, m.pend.orig
	m.reset()
	m.cfg.Exec.Await(m.ctx, func(ctx context.Context) error {
		return m.cfg.Store.UpdateMarkDetails(ctx, m.cfg.URL, id, &note, &color)
	}, func(err error) {
		if err != nil {
			m.logger.Error("capture: update mark", "id", id, "error", err)
			m.cfg.Applier.Recolor(id, orig.Color)
			return
		}
		m.cfg.Applier.Recolor(id, color)
	})
}

// OnDelete removes the edited mark.
func (m *Machine) OnDelete() {
	m.guard("delete", func() {
		if m.state != EditingExistingMark {
			return
		}
		id, orig := m.pend.markID, m.pend.orig
		m.reset()
		m.cfg.Exec.Await(m.ctx, func(ctx context.Context) error {
			return m.cfg.Store.RemoveMark(ctx, m.cfg.URL, id)
		}, func(err error) {
			if err != nil {
				m.logger.Error("capture: remove mark", "id", id, "error", err)
				m.cfg.Applier.Recolor(id, orig.Color)
				return
			}
			m.cfg.Applier.Remove(id)
			m.cfg.Registry.Remove(id)
		})
	})
}

// OnColorChange recolors the preview or the edited mark live.
func (m *Machine) OnColorChange(color string, existing bool) {
	m.guard("color", func() {
		switch {
		case m.state == PreviewActive && !existing:
			m.cfg.Applier.RecolorPreview(color)
			m.pend.color = color
		case m.state == EditingExistingMark && existing:
			m.cfg.Applier.Recolor(m.pend.markID, color)
			m.pend.color = color
		}
	})
}

// OnClearPreview discards the pending capture.
func (m *Machine) OnClearPreview() {
	m.guard("clear", m.cancel)
}

// cancel undoes the visible effects of the active state and resets.
func (m *Machine) cancel() {
	switch m.state {
	case PreviewActive:
		m.cfg.Applier.RemovePreview()
	case EditingExistingMark:
		if m.pend.color != m.pend.orig.Color {
			m.cfg.Applier.Recolor(m.pend.markID, m.pend.orig.Color)
		}
	}
	m.reset()
}

// reset clears the pending context, timers and tooltip.
func (m *Machine) reset() {
	m.stabilize.Cancel()
	m.showTip.Cancel()
	if m.state != Idle {
		m.cfg.Tooltip.Hide()
	}
	if m.state == PreviewActive || m.cfg.Applier.HasPreview() {
		m.cfg.Applier.RemovePreview()
	}
	m.pend = pending{}
	m.state = Idle
	m.next()
}

func (m *Machine) next() uint64 {
	m.gen++
	return m.gen
}

type nopTooltip struct{}

func (nopTooltip) Show(float64, float64, bool, string, string, string) {}
func (nopTooltip) Hide()                                                 {}
