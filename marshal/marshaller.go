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

// Package marshal assembles outgoing messages as a list of byte segments and
// exposes them as a scatter/gather vector for vectored writes.
package marshal

import "encoding/binary"

// Marshaller builds one outgoing message at a time. Data is kept as an
// ordered segment list; AddByRef segments alias caller memory and are not
// copied, which is what makes the iovec path worth having.
type Marshaller struct {
	segs  [][]byte
	total int
	base  int
	cur   []byte // open copy segment, tail of segs when non-nil
}

// copy segments grow in chunks of this size
const segChunk = 512

func New() *Marshaller {
	return &Marshaller{}
}

// Reset drops all segments. Memory reserved by previous ReserveSpace calls
// must no longer be written through.
func (m *Marshaller) Reset() {
	m.segs = m.segs[:0]
	m.total = 0
	m.base = 0
	m.cur = nil
}

// ReserveSpace appends n zero bytes and returns a stable view of them. The
// caller may write through the returned slice until the next Reset.
func (m *Marshaller) ReserveSpace(n int) []byte {
	seg := make([]byte, n)
	m.segs = append(m.segs, seg)
	m.total += n
	m.cur = nil
	return seg
}

// SetBase records the offset application data starts at, so lengths written
// by message builders are relative to the body rather than the header.
func (m *Marshaller) SetBase(offset int) { m.base = offset }

// Base returns the offset set by SetBase.
func (m *Marshaller) Base() int { return m.base }

// Add copies data into the message.
func (m *Marshaller) Add(data []byte) {
	for len(data) > 0 {
		if len(m.cur) == cap(m.cur) {
			n := segChunk
			if len(data) > n {
				n = len(data)
			}
			m.cur = make([]byte, 0, n)
			m.segs = append(m.segs, nil)
		}
		n := copy(m.cur[len(m.cur):cap(m.cur)], data)
		m.cur = m.cur[:len(m.cur)+n]
		m.segs[len(m.segs)-1] = m.cur
		m.total += n
		data = data[n:]
	}
}

// AddByRef appends data without copying. The caller keeps ownership and must
// keep the memory alive and unchanged until the message is fully sent.
func (m *Marshaller) AddByRef(data []byte) {
	if len(data) == 0 {
		return
	}
	m.segs = append(m.segs, data)
	m.total += len(data)
	m.cur = nil
}

// AddUint32 appends v little-endian.
func (m *Marshaller) AddUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.Add(b[:])
}

// AddUint64 appends v little-endian.
func (m *Marshaller) AddUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Add(b[:])
}

// Flush finalizes the message; no further data may be added until Reset.
func (m *Marshaller) Flush() {
	m.cur = nil
}

// TotalSize returns the byte size of the assembled message, header included.
func (m *Marshaller) TotalSize() int { return m.total }

// FillIovec fills vec with up to len(vec) segments of the message starting at
// byte offset pos, and returns the number of entries used. It is reissued
// with an advanced pos after partial writes.
func (m *Marshaller) FillIovec(vec [][]byte, pos int) int {
	n := 0
	for _, seg := range m.segs {
		if n == len(vec) {
			break
		}
		if pos >= len(seg) {
			pos -= len(seg)
			continue
		}
		vec[n] = seg[pos:]
		pos = 0
		n++
	}
	return n
}
