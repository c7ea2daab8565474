// Package engine binds one page session to the mark store: it restores the
// page's marks, keeps restoring them as the page mutates, listens for
// selections on the document and its shadow roots, and serves the
// navigation commands of the side panel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webmarker/capture"
	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/heading"
	"github.com/hazyhaar/webmarker/highlight"
	"github.com/hazyhaar/webmarker/internal/eventloop"
	"github.com/hazyhaar/webmarker/mark"
	"github.com/hazyhaar/webmarker/restore"
)

// deepLinkDelay lets the page settle after the deep-linked mark is restored.
const deepLinkDelay = 100 * time.Millisecond

var (
	// ErrBlacklisted is returned by Start on a page whose host is blacklisted.
	ErrBlacklisted = errors.New("engine: page is blacklisted")
	// ErrMarkNotShown is returned by GotoMark for a mark not on the page.
	ErrMarkNotShown = errors.New("engine: mark not shown on page")
	// ErrChapterNotFound is returned by GotoChapter when nothing matches.
	ErrChapterNotFound = errors.New("engine: chapter not found")
	// ErrStopped is returned by Start after Stop on an engine running its
	// own loop.
	ErrStopped = errors.New("engine: stopped")
)

// Page is a loaded document and where it came from.
type Page struct {
	Doc   *dom.Document
	URL   string // as loaded, fragment included
	Title string
}

// Store is everything the engine asks of the mark store.
type Store interface {
	restore.Source
	capture.Store
}

// Scroller brings a node into view.
type Scroller interface {
	ScrollIntoView(n *html.Node)
}

type logScroller struct{ logger *slog.Logger }

func (s logScroller) ScrollIntoView(n *html.Node) {
	s.logger.Debug("engine: scroll into view", "tag", n.Data)
}

// Engine runs the marks of one page.
type Engine struct {
	page     Page
	url      string
	store    Store
	exec     eventloop.Executor
	clock    eventloop.Clock
	settings mark.Settings
	tooltip  capture.Tooltip
	scroller Scroller
	logger   *slog.Logger

	applier  *highlight.Applier
	registry *restore.Registry
	machine  *capture.Machine
	loop     *restore.Loop

	deepLinkID string
	deepLink   *eventloop.Slot
	started    bool

	// own is set when no executor was given: Start runs it, Stop ends it.
	own      *eventloop.Loop
	ownMu    sync.Mutex
	ownStop  context.CancelFunc
	ownDone  bool
	restored chan struct{}
	passDone bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor sets the loop owning the document. Default: a loop of the
// engine's own, run between Start and Stop. Immediate is accepted together
// with a ManualClock only.
func WithExecutor(e eventloop.Executor) Option { return func(en *Engine) { en.exec = e } }

// WithClock sets the clock of every timer.
func WithClock(c eventloop.Clock) Option { return func(en *Engine) { en.clock = c } }

// WithSettings sets colors, shortcuts, delays and the blacklist.
func WithSettings(s mark.Settings) Option { return func(en *Engine) { en.settings = s } }

// WithTooltip sets the note and color editor.
func WithTooltip(t capture.Tooltip) Option { return func(en *Engine) { en.tooltip = t } }

// WithScroller sets how nodes are brought into view.
func WithScroller(s Scroller) Option { return func(en *Engine) { en.scroller = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(en *Engine) { en.logger = l } }

// New prepares an engine for page. Nothing touches the document before Start.
func New(page Page, store Store, opts ...Option) (*Engine, error) {
	if page.Doc == nil || store == nil {
		return nil, errors.New("engine: page document and store are required")
	}
	canon, err := mark.CanonicalURL(page.URL)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{
		page:       page,
		url:        canon,
		store:      store,
		clock:      eventloop.RealClock{},
		restored:   make(chan struct{}),
		settings:   mark.DefaultSettings(),
		logger:     slog.Default(),
		deepLinkID: mark.DeepLinkID(page.URL),
	}
	for _, o := range opts {
		o(e)
	}
	e.settings.Defaults()
	if e.scroller == nil {
		e.scroller = logScroller{logger: e.logger}
	}
	e.logger = e.logger.With("url", canon)
	if e.exec == nil {
		e.own = eventloop.New(eventloop.WithLogger(e.logger))
		e.exec = e.own
	}
	if err := eventloop.CheckPairing(e.clock, e.exec); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.applier = highlight.New(page.Doc,
		highlight.WithLogger(e.logger),
		highlight.WithClock(e.clock),
		highlight.WithExecutor(e.exec),
		highlight.WithFlashDuration(e.settings.FlashDuration),
	)
	e.registry = restore.NewRegistry()
	e.machine, err = capture.New(capture.Config{
		Doc:      page.Doc,
		URL:      canon,
		Title:    page.Title,
		Store:    store,
		Tooltip:  e.tooltip,
		Applier:  e.applier,
		Registry: e.registry,
		Exec:     e.exec,
		Clock:    e.clock,
		Settings: e.settings,
		Logger:   e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.loop = restore.New(page.Doc, canon, store, e.applier, e.registry, e.exec,
		restore.WithLogger(e.logger),
		restore.WithClock(e.clock),
		restore.WithDelay(e.settings.RestoreDelay),
		restore.WithDefaultColor(e.settings.DefaultColor),
		restore.WithPassHook(func() { e.machine.AttachAll() }),
		restore.WithAppliedHook(e.onApplied),
		restore.WithPassDoneHook(e.onPassDone),
	)
	e.deepLink = eventloop.NewSlot("deep-link", e.clock, e.exec)
	return e, nil
}

// URL returns the canonical page URL.
func (e *Engine) URL() string { return e.url }

// Machine returns the capture machine, for the tooltip callbacks.
func (e *Engine) Machine() *capture.Machine { return e.machine }

// Applier returns the highlight applier.
func (e *Engine) Applier() *highlight.Applier { return e.applier }

// Registry returns the ids shown on the page.
func (e *Engine) Registry() *restore.Registry { return e.registry }

// Start attaches the capture listeners and runs the first restoration pass
// on the executor.
func (e *Engine) Start(ctx context.Context) error {
	if mark.IsBlacklisted(e.url, e.settings.Blacklist) {
		e.logger.Info("engine: blacklisted page, not starting")
		return ErrBlacklisted
	}
	if e.own != nil {
		e.ownMu.Lock()
		if e.ownDone {
			e.ownMu.Unlock()
			return ErrStopped
		}
		if e.ownStop == nil {
			runCtx, cancel := context.WithCancel(ctx)
			e.ownStop = cancel
			go e.own.Run(runCtx)
		}
		e.ownMu.Unlock()
	}
	e.exec.Post(func() {
		if e.started {
			return
		}
		e.started = true
		e.page.Doc.SetTaskQueue(e.exec.Post)
		e.machine.SetContext(ctx)
		e.machine.AttachAll()
		e.loop.Start(ctx)
	})
	return nil
}

// Stop detaches every listener and drops pending timers. Highlights stay.
// An engine running its own loop waits for the loop to finish and cannot be
// started again.
func (e *Engine) Stop() {
	stop := func() {
		if !e.started {
			return
		}
		e.started = false
		e.loop.Stop()
		e.machine.Detach()
		e.deepLink.Cancel()
	}
	if e.own == nil {
		e.exec.Post(stop)
		return
	}
	e.ownMu.Lock()
	defer e.ownMu.Unlock()
	if e.ownDone {
		return
	}
	e.ownDone = true
	if e.ownStop == nil {
		return
	}
	_ = e.own.Do(context.Background(), func() error { stop(); return nil })
	e.ownStop()
	<-e.own.Done()
}

// Do runs fn on the executor and waits for it. Reads of the document from
// other goroutines go through Do.
func (e *Engine) Do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	e.exec.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("engine: panic: %v", r)
			}
		}()
		errc <- fn()
	})
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return errors.Join(errors.New("engine: call abandoned"), ctx.Err())
	}
}

// Restored is closed once the first restoration pass has finished.
func (e *Engine) Restored() <-chan struct{} { return e.restored }

func (e *Engine) onPassDone() {
	if !e.passDone {
		e.passDone = true
		close(e.restored)
	}
}

func (e *Engine) onApplied(m mark.Mark) {
	if e.deepLinkID == "" || m.ID != e.deepLinkID {
		return
	}
	e.deepLinkID = ""
	e.deepLink.Schedule(deepLinkDelay, func() {
		if err := e.GotoMark(m.ID); err != nil {
			e.logger.Debug("engine: deep link", "id", m.ID, "error", err)
		}
	})
}

// GotoMark scrolls to mark id and flashes it. It must run on the executor.
func (e *Engine) GotoMark(id string) error {
	ms := e.applier.Markers(id)
	if len(ms) == 0 {
		return fmt.Errorf("%w: %s", ErrMarkNotShown, id)
	}
	e.scroller.ScrollIntoView(ms[0])
	e.applier.Flash(id)
	return nil
}

// GotoChapter scrolls to the heading a mark's context selector names and
// flashes it. It must run on the executor.
func (e *Engine) GotoChapter(selector string) error {
	el, err := heading.Locate(highlight.Codec, e.page.Doc, selector)
	if err != nil {
		return fmt.Errorf("engine: chapter %q: %w", selector, err)
	}
	if el == nil {
		return fmt.Errorf("%w: %s", ErrChapterNotFound, selector)
	}
	e.scroller.ScrollIntoView(el)
	e.applier.FlashNodes("chapter", []*html.Node{el})
	return nil
}

// Refresh drops the pending capture, removes every highlight and restores
// the page's marks again. It must run on the executor.
func (e *Engine) Refresh() {
	e.machine.OnClearPreview()
	e.loop.Refresh()
}

// TabPrev is the "previous tab" request of the side panel. Tabs belong to
// the host, so the engine only records it.
func (e *Engine) TabPrev() {
	e.logger.Info("engine: tab-prev requested")
}
