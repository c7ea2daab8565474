package eventloop

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks after a delay.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock uses the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ErrUnsafePairing is returned for a clock and executor that would run timer
// callbacks on a goroutine other than the one owning the document.
var ErrUnsafePairing = errors.New("eventloop: timer callbacks would run off the loop")

// CheckPairing reports whether callbacks fired by clock and posted to exec
// run on the executor's goroutine. A Loop is safe with any clock. Immediate
// runs posts on the caller, so it is only safe with a ManualClock, whose
// callbacks fire inside Advance on the test goroutine.
func CheckPairing(clock Clock, exec Executor) error {
	if exec == nil {
		return fmt.Errorf("%w: no executor", ErrUnsafePairing)
	}
	switch exec.(type) {
	case Immediate, *Immediate:
	default:
		return nil
	}
	if _, ok := clock.(*ManualClock); ok {
		return nil
	}
	return fmt.Errorf("%w: Immediate needs a ManualClock, got %T", ErrUnsafePairing, clock)
}

// Slot is a single-slot cancellable timer: scheduling replaces whatever was
// pending, so only the latest callback can fire. Callbacks run on the
// executor. A Slot must only be used from the executor's goroutine, and its
// clock and executor must pass CheckPairing.
type Slot struct {
	name  string
	clock Clock
	exec  Executor
	timer Timer
	gen   uint64
}

// NewSlot creates an idle slot. A nil clock is RealClock. It panics when
// clock and exec fail CheckPairing.
func NewSlot(name string, clock Clock, exec Executor) *Slot {
	if clock == nil {
		clock = RealClock{}
	}
	if err := CheckPairing(clock, exec); err != nil {
		panic(fmt.Sprintf("eventloop: slot %s: %v", name, err))
	}
	return &Slot{name: name, clock: clock, exec: exec}
}

// Name returns the slot label.
func (s *Slot) Name() string { return s.name }

// Schedule cancels any pending callback and arms fn to run after d.
func (s *Slot) Schedule(d time.Duration, fn func()) {
	s.Cancel()
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() {
		s.exec.Post(func() {
			if s.gen != gen || s.timer == nil {
				return
			}
			s.timer = nil
			fn()
		})
	})
}

// Cancel drops the pending callback, if any.
func (s *Slot) Cancel() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending reports whether a callback is armed.
func (s *Slot) Pending() bool { return s.timer != nil }

// ManualClock is a Clock driven by Advance. Due callbacks run synchronously
// inside Advance, in deadline order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *ManualClock
	at      time.Time
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// NewManualClock starts at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires due timers, including timers
// scheduled by callbacks that fall inside the window.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		var next *manualTimer
		for i, t := range c.timers {
			if t.stopped {
				continue
			}
			if !t.at.After(end) {
				next = t
				c.timers = append(c.timers[:i], c.timers[i+1:]...)
			}
			break
		}
		if next == nil {
			c.now = end
			c.timers = compact(c.timers)
			c.mu.Unlock()
			return
		}
		next.stopped = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func compact(ts []*manualTimer) []*manualTimer {
	out := ts[:0]
	for _, t := range ts {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}
