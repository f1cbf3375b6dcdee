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

// Package stream adapts net.Conn transports to the non-blocking, readiness
// driven contract the channel runtime is written against. A pair of pump
// goroutines moves bytes between the conn and bounded buffers; the channel
// side sees would-block as syscall.EAGAIN and wakes up through its watch.
package stream

import (
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/tobewalker/spice/event"
)

// DefaultBufSize is the per-direction buffer, the equivalent of the socket
// buffer a kernel would give a non-blocking fd.
const DefaultBufSize = 256 * 1024

const readChunk = 32 * 1024

// Stream is a channel transport over a net.Conn.
type Stream struct {
	conn net.Conn

	mu     sync.Mutex
	watch  *event.Watch
	shut   bool
	closed bool

	rbuf   []byte
	roff   int
	rerr   error
	rspace *sync.Cond // read pump waits here while rbuf is full

	wbuf   []byte
	werr   error
	wready *sync.Cond // write pump waits here for data
	wcap   int
	rcap   int
}

// New wraps conn. bufSize bounds each direction's buffer; 0 picks the
// default.
func New(conn net.Conn, bufSize int) *Stream {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	s := &Stream{conn: conn, rcap: bufSize, wcap: bufSize}
	s.rspace = sync.NewCond(&s.mu)
	s.wready = sync.NewCond(&s.mu)
	go s.readPump()
	go s.writePump()
	return s
}

// NetConn returns the wrapped conn, for socket configuration.
func (s *Stream) NetConn() net.Conn { return s.conn }

// SetWatch hands the stream its event-loop watch.
func (s *Stream) SetWatch(w *event.Watch) {
	s.mu.Lock()
	s.watch = w
	s.mu.Unlock()
}

// Ready reports current readiness: readable when buffered input or a read
// error is pending, writable while output buffer space remains.
func (s *Stream) Ready() event.Events {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ev event.Events
	if len(s.rbuf)-s.roff > 0 || s.rerr != nil {
		ev |= event.Read
	}
	if s.wcap-len(s.wbuf) > 0 || s.werr != nil {
		ev |= event.Write
	}
	return ev
}

// Read drains buffered input. With nothing buffered it reports
// syscall.EAGAIN, or the pump's terminal error once the buffer is empty;
// an orderly peer close surfaces as io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := len(s.rbuf) - s.roff
	if avail == 0 {
		if s.rerr != nil {
			if s.rerr == io.EOF {
				return 0, io.EOF
			}
			return 0, s.rerr
		}
		return 0, syscall.EAGAIN
	}
	n := copy(p, s.rbuf[s.roff:])
	s.roff += n
	if s.roff == len(s.rbuf) {
		s.rbuf = s.rbuf[:0]
		s.roff = 0
	}
	s.rspace.Signal()
	return n, nil
}

// Writev queues as much of vec as buffer space allows and reports the byte
// count, or syscall.EAGAIN when the buffer is full. A failed connection
// reports syscall.EPIPE.
func (s *Stream) Writev(vec [][]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.werr != nil || s.closed {
		return 0, syscall.EPIPE
	}
	space := s.wcap - len(s.wbuf)
	if space == 0 {
		return 0, syscall.EAGAIN
	}
	n := 0
	for _, seg := range vec {
		k := len(seg)
		if k > space {
			k = space
		}
		s.wbuf = append(s.wbuf, seg[:k]...)
		n += k
		space -= k
		if k < len(seg) {
			break
		}
	}
	s.wready.Signal()
	return n, nil
}

// Shutdown half-closes the transport: the shutdown flag is raised and the
// conn is torn down so both pumps drain out. Idempotent.
func (s *Stream) Shutdown() {
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		return
	}
	s.shut = true
	s.mu.Unlock()
	if tc, ok := s.conn.(*net.TCPConn); ok {
		tc.CloseRead()
		tc.CloseWrite()
	}
	s.Close()
}

// IsShutdown reports whether Shutdown has run.
func (s *Stream) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shut
}

// Close frees the transport. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.rspace.Broadcast()
	s.wready.Broadcast()
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Stream) readPump() {
	buf := make([]byte, readChunk)
	for {
		n, err := s.conn.Read(buf)

		s.mu.Lock()
		if n > 0 {
			for len(s.rbuf)-s.roff+n > s.rcap && !s.closed {
				s.rspace.Wait()
			}
			if s.closed {
				s.mu.Unlock()
				return
			}
		}
		wake := false
		if n > 0 {
			if len(s.rbuf)-s.roff == 0 {
				wake = true
			}
			if s.roff > 0 {
				s.rbuf = append(s.rbuf[:0], s.rbuf[s.roff:]...)
				s.roff = 0
			}
			s.rbuf = append(s.rbuf, buf[:n]...)
		}
		if err != nil {
			s.rerr = err
			wake = true
		}
		w := s.watch
		s.mu.Unlock()

		if wake && w != nil {
			w.Wake()
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) writePump() {
	for {
		s.mu.Lock()
		for len(s.wbuf) == 0 && !s.closed {
			s.wready.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		chunk := s.wbuf
		wasFull := s.wcap-len(s.wbuf) == 0
		s.wbuf = nil
		s.mu.Unlock()

		_, err := s.conn.Write(chunk)

		s.mu.Lock()
		if err != nil {
			s.werr = err
		}
		w := s.watch
		s.mu.Unlock()

		if (wasFull || err != nil) && w != nil {
			w.Wake()
		}
		if err != nil {
			return
		}
	}
}
