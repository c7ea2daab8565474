// Package restore re-applies stored marks to a page and keeps retrying the
// ones that do not resolve yet as the page mutates.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/webmarker/anchor"
	"github.com/hazyhaar/webmarker/dom"
	"github.com/hazyhaar/webmarker/highlight"
	"github.com/hazyhaar/webmarker/internal/eventloop"
	"github.com/hazyhaar/webmarker/mark"
)

// Source provides the stored marks of a page.
type Source interface {
	MarksForURL(ctx context.Context, url string) ([]mark.Mark, error)
}

// Loop restores the marks of one page.
type Loop struct {
	doc      *dom.Document
	url      string
	src      Source
	applier  *highlight.Applier
	registry *Registry
	codec    anchor.Codec
	exec     eventloop.Executor
	clock    eventloop.Clock
	retry    *eventloop.Slot
	delay    time.Duration
	color    string
	logger   *slog.Logger

	onPass    func()
	onApplied func(mark.Mark)
	onDone    func()

	observer *dom.Observer
	ctx      context.Context
	fetching bool
	again    bool
	passes   int
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(lp *Loop) { lp.logger = l } }

// WithClock sets the clock of the retry timer. Default: RealClock, which
// needs an eventloop.Loop executor.
func WithClock(c eventloop.Clock) Option { return func(lp *Loop) { lp.clock = c } }

// WithPassDoneHook runs fn after every pass, whether the store answered or
// not.
func WithPassDoneHook(fn func()) Option { return func(lp *Loop) { lp.onDone = fn } }

// WithDelay sets the debounce between a mutation and the next pass.
// Default: 500ms.
func WithDelay(d time.Duration) Option { return func(lp *Loop) { lp.delay = d } }

// WithDefaultColor sets the color of marks stored without one.
func WithDefaultColor(c string) Option { return func(lp *Loop) { lp.color = c } }

// WithPassHook runs fn at the start of every pass. The engine uses it to
// attach capture listeners to shadow roots mounted since the last pass.
func WithPassHook(fn func()) Option { return func(lp *Loop) { lp.onPass = fn } }

// WithAppliedHook runs fn for every mark a pass applies.
func WithAppliedHook(fn func(mark.Mark)) Option { return func(lp *Loop) { lp.onApplied = fn } }

// New creates a Loop for the page at url. The registry is shared with the
// capture machine, which adds the marks it creates.
func New(doc *dom.Document, url string, src Source, applier *highlight.Applier, registry *Registry, exec eventloop.Executor, opts ...Option) *Loop {
	lp := &Loop{
		doc:      doc,
		url:      url,
		src:      src,
		applier:  applier,
		registry: registry,
		codec:    highlight.Codec,
		exec:     exec,
		delay:    500 * time.Millisecond,
		color:    "#FFFF00",
		logger:   slog.Default(),
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(lp)
	}
	lp.retry = eventloop.NewSlot("restore-retry", lp.clock, exec)
	return lp
}

// Registry returns the registry the loop fills.
func (lp *Loop) Registry() *Registry { return lp.registry }

// Passes returns how many passes have completed.
func (lp *Loop) Passes() int { return lp.passes }

// Start runs the initial pass and begins watching mutations. It must run on
// the executor.
func (lp *Loop) Start(ctx context.Context) {
	lp.ctx = ctx
	if lp.observer == nil {
		lp.observer = lp.doc.Observe(lp.onMutations)
	}
	lp.Pass()
}

// Stop disconnects the observer and drops the pending retry.
func (lp *Loop) Stop() {
	if lp.observer != nil {
		lp.observer.Disconnect()
		lp.observer = nil
	}
	lp.retry.Cancel()
}

func (lp *Loop) onMutations(recs []dom.MutationRecord) {
	for _, r := range recs {
		if r.Origin == highlight.Origin {
			continue
		}
		if r.Type != dom.ChildList {
			continue
		}
		if len(r.Added) > 0 || lp.doc.ShadowRoot(r.Target) != nil && len(r.Removed) == 0 {
			lp.retry.Schedule(lp.delay, lp.Pass)
			return
		}
	}
}

// Pass fetches the page's marks and applies those not yet in the registry.
// A pass requested while one is waiting on the store runs right after it.
func (lp *Loop) Pass() {
	if lp.fetching {
		lp.again = true
		return
	}
	lp.fetching = true
	var marks []mark.Mark
	lp.exec.Await(lp.ctx, func(ctx context.Context) error {
		var err error
		marks, err = lp.src.MarksForURL(ctx, lp.url)
		return err
	}, func(err error) {
		lp.fetching = false
		if err != nil {
			lp.logger.Warn("restore: fetch marks", "url", lp.url, "error", err)
		} else {
			lp.apply(marks)
		}
		lp.passes++
		if lp.onDone != nil {
			lp.onDone()
		}
		if lp.again {
			lp.again = false
			lp.Pass()
		}
	})
}

func (lp *Loop) apply(marks []mark.Mark) {
	if lp.onPass != nil {
		lp.onPass()
	}
	applied, failed := 0, 0
	for _, m := range marks {
		if lp.registry.Has(m.ID) {
			continue
		}
		ok, err := lp.restoreOne(m)
		if err != nil {
			failed++
			if Retryable(err) {
				lp.logger.Debug("restore: mark not applied", "id", m.ID, "error", err)
			} else {
				lp.logger.Warn("restore: mark not applied", "id", m.ID, "error", err)
			}
			continue
		}
		if ok {
			applied++
			if lp.onApplied != nil {
				lp.onApplied(m)
			}
		}
	}
	if applied > 0 || failed > 0 {
		lp.logger.Debug("restore: pass", "url", lp.url, "applied", applied, "pending", failed)
	}
}

// restoreOne applies m. A panic in the DOM code is turned into an error so
// one mark cannot stop the pass.
func (lp *Loop) restoreOne(m mark.Mark) (applied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("restore: panic: %v", r)
		}
	}()
	if len(lp.applier.Markers(m.ID)) > 0 {
		lp.registry.Add(m.ID)
		return false, nil
	}
	root, err := lp.codec.DecodeHostPath(lp.doc, m.ShadowHostPath)
	if err != nil {
		return false, err
	}
	r, err := lp.codec.Deserialize(root, m.RangeDescriptor)
	if err != nil {
		return false, err
	}
	color := m.Color
	if color == "" {
		color = lp.color
	}
	if _, err := lp.applier.Apply(r, m.ID, color); err != nil {
		return false, err
	}
	lp.registry.Add(m.ID)
	return true, nil
}

// Refresh removes every highlight, clears the registry and restores again.
func (lp *Loop) Refresh() {
	lp.retry.Cancel()
	lp.applier.RemoveAll()
	lp.registry.Clear()
	lp.Pass()
}

// Retryable reports whether err leaves a mark for a later pass rather than
// reflecting a bug.
func Retryable(err error) bool {
	return errors.Is(err, anchor.ErrStaleRange) ||
		errors.Is(err, anchor.ErrShadowHostNotFound) ||
		errors.Is(err, highlight.ErrEmptyRange)
}
