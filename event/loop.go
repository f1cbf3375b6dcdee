// The MIT License (MIT)
//
// # Copyright (c) 2024 tobewalker
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package event provides the cooperative loop channels run on. A watch binds
// a readiness source to a callback under an event mask; every callback runs
// on the loop goroutine, so code driven from here needs no locking.
package event

import "sync"

// Events is a readiness mask.
type Events int

const (
	Read Events = 1 << iota
	Write
)

// Source reports current readiness. Implementations also wake their watch
// whenever readiness appears; the loop polls Ready only at dispatch time.
type Source interface {
	Ready() Events
}

// Watch is a registration of a source with the loop.
type Watch struct {
	loop   *Loop
	src    Source
	mask   Events
	fn     func(Events)
	queued bool
	gone   bool
}

// Loop runs watches and posted functions on a single goroutine. Watches are
// level-triggered: after a callback returns, the source is polled again and
// the watch is requeued while interesting readiness remains.
type Loop struct {
	mu      sync.Mutex
	wake    chan struct{}
	pending []*Watch
	posted  []func()
	done    chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// WatchAdd registers src under mask. If src is already ready the watch is
// queued immediately.
func (l *Loop) WatchAdd(src Source, mask Events, fn func(Events)) *Watch {
	w := &Watch{loop: l, src: src, mask: mask, fn: fn}
	l.mu.Lock()
	l.enqueueLocked(w)
	l.mu.Unlock()
	l.poke()
	return w
}

// WatchUpdateMask replaces the watch's event mask.
func (l *Loop) WatchUpdateMask(w *Watch, mask Events) {
	l.mu.Lock()
	w.mask = mask
	l.enqueueLocked(w)
	l.mu.Unlock()
	l.poke()
}

// WatchRemove unregisters the watch. Its callback will not run again.
func (l *Loop) WatchRemove(w *Watch) {
	l.mu.Lock()
	w.gone = true
	w.fn = nil
	l.mu.Unlock()
}

// Mask returns the watch's current event mask.
func (w *Watch) Mask() Events {
	w.loop.mu.Lock()
	defer w.loop.mu.Unlock()
	return w.mask
}

// Wake queues the watch for dispatch. Safe to call from any goroutine; this
// is how transports signal readiness transitions.
func (w *Watch) Wake() {
	l := w.loop
	l.mu.Lock()
	l.enqueueLocked(w)
	l.mu.Unlock()
	l.poke()
}

// Post schedules fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.poke()
}

func (l *Loop) enqueueLocked(w *Watch) {
	if w.queued || w.gone {
		return
	}
	w.queued = true
	l.pending = append(l.pending, w)
}

func (l *Loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until Stop is called.
func (l *Loop) Run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for l.Dispatch() {
		}
	}
}

// Stop makes Run return after the current dispatch.
func (l *Loop) Stop() {
	close(l.done)
	l.poke()
}

// Dispatch runs one round of posted functions and queued watches, reporting
// whether any work was done. Exposed so tests can drive the loop manually.
func (l *Loop) Dispatch() bool {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	pending := l.pending
	l.pending = nil
	for _, w := range pending {
		w.queued = false
	}
	l.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
	for _, w := range pending {
		l.mu.Lock()
		gone, mask, fn := w.gone, w.mask, w.fn
		l.mu.Unlock()
		if gone {
			continue
		}
		ev := w.src.Ready() & mask
		if ev == 0 {
			continue
		}
		fn(ev)

		// level-triggered: requeue while readiness remains under the
		// (possibly updated) mask
		ready := w.src.Ready()
		l.mu.Lock()
		if !w.gone && ready&w.mask != 0 {
			l.enqueueLocked(w)
		}
		l.mu.Unlock()
	}
	l.mu.Lock()
	more := len(l.pending) > 0 || len(l.posted) > 0
	l.mu.Unlock()
	return more
}
