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

package event

import "testing"

// fakeSource is readiness under test control; callbacks consume from it.
type fakeSource struct {
	ready Events
}

func (f *fakeSource) Ready() Events { return f.ready }

func drain(l *Loop) {
	for l.Dispatch() {
	}
}

func TestWatchDispatch(t *testing.T) {
	l := NewLoop()
	src := &fakeSource{ready: Read}
	var got []Events
	l.WatchAdd(src, Read, func(ev Events) {
		got = append(got, ev)
		src.ready = 0 // consumed
	})
	drain(l)
	if len(got) != 1 || got[0] != Read {
		t.Fatalf("dispatch got %v", got)
	}
}

func TestMaskFilters(t *testing.T) {
	l := NewLoop()
	src := &fakeSource{ready: Write}
	fired := 0
	w := l.WatchAdd(src, Read, func(Events) {
		fired++
		src.ready = 0
	})
	drain(l)
	if fired != 0 {
		t.Fatal("write readiness fired a read-only watch")
	}
	l.WatchUpdateMask(w, Read|Write)
	if w.Mask() != Read|Write {
		t.Fatalf("mask %v", w.Mask())
	}
	drain(l)
	if fired != 1 {
		t.Fatalf("widened mask fired %d times", fired)
	}
}

func TestLevelTriggeredRequeue(t *testing.T) {
	l := NewLoop()
	src := &fakeSource{ready: Read}
	rounds := 0
	l.WatchAdd(src, Read, func(Events) {
		rounds++
		if rounds == 3 { // consume on the third visit
			src.ready = 0
		}
	})
	drain(l)
	if rounds != 3 {
		t.Fatalf("requeued %d times, want 3", rounds)
	}
}

func TestWatchRemove(t *testing.T) {
	l := NewLoop()
	src := &fakeSource{ready: Read}
	fired := 0
	w := l.WatchAdd(src, Read, func(Events) { fired++ })
	l.WatchRemove(w)
	drain(l)
	if fired != 0 {
		t.Fatal("removed watch fired")
	}
	w.Wake() // must be harmless
	drain(l)
	if fired != 0 {
		t.Fatal("removed watch fired after wake")
	}
}

func TestWakeFromOutside(t *testing.T) {
	l := NewLoop()
	src := &fakeSource{}
	fired := 0
	w := l.WatchAdd(src, Read, func(Events) {
		fired++
		src.ready = 0
	})
	drain(l)
	if fired != 0 {
		t.Fatal("fired without readiness")
	}
	src.ready = Read
	w.Wake()
	drain(l)
	if fired != 1 {
		t.Fatalf("fired %d after wake", fired)
	}
}

func TestPostRunsInOrder(t *testing.T) {
	l := NewLoop()
	var got []int
	l.Post(func() { got = append(got, 1) })
	l.Post(func() { got = append(got, 2) })
	drain(l)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("posted order %v", got)
	}
}
