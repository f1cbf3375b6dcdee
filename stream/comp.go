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
	"net"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CompConn transparently snappy-compresses a channel transport. It sits
// between the raw conn and New, so the channel runtime never sees it.
type CompConn struct {
	conn net.Conn
	w    *snappy.Writer
	r    *snappy.Reader
}

// NewCompConn wraps conn in a compressed framing layer. Both peers must
// agree on compression out of band (the demo binaries use a flag).
func NewCompConn(conn net.Conn) *CompConn {
	return &CompConn{
		conn: conn,
		w:    snappy.NewBufferedWriter(conn),
		r:    snappy.NewReader(conn),
	}
}

func (c *CompConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write compresses and flushes immediately. The channel runtime batches
// writes itself, so holding data back here would only add latency to
// messages that are already complete.
func (c *CompConn) Write(p []byte) (int, error) {
	if _, err := c.w.Write(p); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := c.w.Flush(); err != nil {
		return 0, errors.WithStack(err)
	}
	return len(p), nil
}

func (c *CompConn) Close() error {
	return c.conn.Close()
}

func (c *CompConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *CompConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *CompConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *CompConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *CompConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
