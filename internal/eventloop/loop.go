// Package eventloop runs the engine's single-threaded execution model: one
// goroutine owns the document and runs every task, timer callback and
// collaborator continuation in order.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Executor schedules work on the goroutine that owns the document.
type Executor interface {
	// Post queues fn to run on the loop. Safe from any goroutine.
	Post(fn func())
	// Await runs call off the loop and posts then(err) back on it.
	Await(ctx context.Context, call func(context.Context) error, then func(error))
}

// Loop is the production Executor.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for recovered task panics.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithQueueSize sets the task buffer. Default: 256.
func WithQueueSize(n int) Option {
	return func(lp *Loop) { lp.tasks = make(chan func(), n) }
}

// New creates a Loop. Call Run to start it.
func New(opts ...Option) *Loop {
	l := &Loop{
		tasks:  make(chan func(), 256),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run executes tasks until ctx is cancelled. Tasks posted after Run returns
// are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("eventloop: task panic recovered",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Post queues fn.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	l.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("eventloop: panic: %v", r)
			}
		}()
		errc <- fn()
	})
	select {
	case err := <-errc:
		return err
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await runs call on its own goroutine; then runs on the loop.
func (l *Loop) Await(ctx context.Context, call func(context.Context) error, then func(error)) {
	go func() {
		err := call(ctx)
		l.Post(func() { then(err) })
	}()
}

// Immediate is a synchronous Executor. Posted functions and awaited calls
// run on the caller's goroutine before Post or Await returns. Tests use it
// together with ManualClock to drive the engine deterministically.
type Immediate struct{}

func (Immediate) Post(fn func()) { fn() }

func (Immediate) Await(ctx context.Context, call func(context.Context) error, then func(error)) {
	then(call(ctx))
}
