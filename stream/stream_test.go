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

package stream

import (
	"bytes"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/tobewalker/spice/event"
)

// waitFor polls until cond holds or the deadline passes; the pumps run on
// their own goroutines so tests need a settling primitive.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReadWouldBlockWhenEmpty(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	s := New(left, 0)
	defer s.Close()

	buf := make([]byte, 16)
	if _, err := s.Read(buf); !errors.Is(err, syscall.EAGAIN) {
		t.Fatalf("empty read err = %v, want EAGAIN", err)
	}
	if s.Ready()&event.Read != 0 {
		t.Fatal("empty stream reports read readiness")
	}
}

func TestReadDeliversBufferedData(t *testing.T) {
	left, right := net.Pipe()
	s := New(left, 0)
	defer s.Close()

	go right.Write([]byte("hello"))
	waitFor(t, "read readiness", func() bool { return s.Ready()&event.Read != 0 })

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}
	if _, err := s.Read(buf); !errors.Is(err, syscall.EAGAIN) {
		t.Fatalf("drained read err = %v, want EAGAIN", err)
	}
}

func TestWritevAndBackpressure(t *testing.T) {
	left, right := net.Pipe()
	s := New(left, 8) // tiny buffer so backpressure is reachable
	defer s.Close()
	defer right.Close()

	// nobody reads the peer end, so repeated writes must hit EAGAIN:
	// one chunk can be stuck inside the pump, one buffer can be full
	sawEAGAIN := false
	for i := 0; i < 8; i++ {
		_, err := s.Writev([][]byte{[]byte("01234567")})
		if errors.Is(err, syscall.EAGAIN) {
			sawEAGAIN = true
			break
		}
		if err != nil {
			t.Fatalf("writev: %v", err)
		}
	}
	if !sawEAGAIN {
		t.Fatal("writev never reported would-block")
	}

	// drain the peer and the stream becomes writable again
	go io.Copy(io.Discard, right)
	waitFor(t, "write readiness", func() bool { return s.Ready()&event.Write != 0 })
	if _, err := s.Writev([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("writev after drain: %v", err)
	}
}

func TestWritevScatterGather(t *testing.T) {
	left, right := net.Pipe()
	s := New(left, 0)
	defer s.Close()

	var got bytes.Buffer
	done := make(chan struct{})
	go func() {
		io.CopyN(&got, right, 9)
		close(done)
	}()

	n, err := s.Writev([][]byte{[]byte("abc"), []byte("def"), []byte("ghi")})
	if err != nil || n != 9 {
		t.Fatalf("writev = %d, %v", n, err)
	}
	<-done
	if got.String() != "abcdefghi" {
		t.Fatalf("wrote %q", got.String())
	}
}

func TestOrderlyCloseSurfacesEOF(t *testing.T) {
	left, right := net.Pipe()
	s := New(left, 0)
	defer s.Close()

	right.Close()
	waitFor(t, "EOF", func() bool {
		_, err := s.Read(make([]byte, 1))
		return err == io.EOF
	})
}

func TestShutdownIsSticky(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	s := New(left, 0)

	if s.IsShutdown() {
		t.Fatal("fresh stream is shut down")
	}
	s.Shutdown()
	s.Shutdown() // idempotent
	if !s.IsShutdown() {
		t.Fatal("shutdown flag not raised")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close after shutdown: %v", err)
	}
	if _, err := s.Writev([][]byte{[]byte("x")}); !errors.Is(err, syscall.EPIPE) {
		t.Fatalf("writev after shutdown err = %v, want EPIPE", err)
	}
}

func TestWatchWakeOnData(t *testing.T) {
	left, right := net.Pipe()
	s := New(left, 0)
	defer s.Close()

	loop := event.NewLoop()
	got := make(chan []byte, 1)
	w := loop.WatchAdd(s, event.Read, func(ev event.Events) {
		buf := make([]byte, 16)
		n, err := s.Read(buf)
		if err == nil {
			got <- buf[:n]
		}
	})
	s.SetWatch(w)
	go loop.Run()
	defer loop.Stop()

	go right.Write([]byte("ping"))
	select {
	case b := <-got:
		if string(b) != "ping" {
			t.Fatalf("watch read %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch never fired")
	}
}
