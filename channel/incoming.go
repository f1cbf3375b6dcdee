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

package channel

import (
	stderrors "errors"
	"io"
	"log"
	"syscall"

	"github.com/tobewalker/spice/wire"
)

// Parser decodes one raw message body into a structured view. A nil result
// with a nil error is not allowed; failures are reported through err.
type Parser func(msg []byte, typ uint16, minorVersion int) (parsed any, size int, err error)

// incoming callback table, shared by all clients of a channel
type incomingCbs struct {
	allocMsgBuf   func(rcc *Client, hdr *wire.DataHeader) []byte
	releaseMsgBuf func(rcc *Client, hdr *wire.DataHeader, msg []byte)
	handleMessage func(rcc *Client, hdr *wire.DataHeader, msg []byte) bool
	parser        Parser
	handleParsed  func(rcc *Client, size int, typ uint16, parsed any) bool
	onError       func(rcc *Client)
}

// incomingHandler carries the two-phase reassembly state of one message:
// first the fixed header fills in place, then the body fills a buffer the
// channel type allocates.
type incomingHandler struct {
	hdrBuf [wire.HeaderSize]byte
	hdrPos int
	hdr    wire.DataHeader
	msg    []byte
	msgPos int
	shut   bool
	cb     *incomingCbs
}

// peerReceive reads into buf until it is full or the transport suspends.
// Returns the byte count read so far, or -1 on error (orderly close, EPIPE,
// shutdown, or anything unexpected).
func peerReceive(stream Stream, buf []byte) int {
	pos := 0
	for pos < len(buf) {
		if stream.IsShutdown() {
			return -1
		}
		n, err := stream.Read(buf[pos:])
		if err != nil {
			if err == io.EOF {
				return -1
			}
			if stderrors.Is(err, syscall.EAGAIN) {
				break
			}
			if stderrors.Is(err, syscall.EINTR) {
				continue
			}
			if stderrors.Is(err, syscall.EPIPE) {
				return -1
			}
			log.Printf("channel: read: %v", err)
			return -1
		}
		if n == 0 {
			return -1
		}
		pos += n
	}
	return pos
}

// handle assembles and dispatches whole messages until the transport would
// block, an error occurs, or a handler signals shutdown.
func (h *incomingHandler) handle(rcc *Client, stream Stream) {
	for {
		if h.hdrPos < wire.HeaderSize {
			n := peerReceive(stream, h.hdrBuf[h.hdrPos:])
			if n == -1 {
				h.cb.onError(rcc)
				return
			}
			h.hdrPos += n
			if h.hdrPos != wire.HeaderSize {
				return
			}
			h.hdr = wire.DecodeHeader(h.hdrBuf[:])
		}

		if h.msgPos < int(h.hdr.Size) {
			if h.msg == nil {
				h.msg = h.cb.allocMsgBuf(rcc, &h.hdr)
				if h.msg == nil {
					log.Printf("channel: refused to allocate buffer for message type %d size %d",
						h.hdr.Type, h.hdr.Size)
					h.cb.onError(rcc)
					return
				}
			}
			n := peerReceive(stream, h.msg[h.msgPos:h.hdr.Size])
			if n == -1 {
				h.cb.releaseMsgBuf(rcc, &h.hdr, h.msg)
				h.cb.onError(rcc)
				return
			}
			h.msgPos += n
			if h.msgPos != int(h.hdr.Size) {
				return
			}
		}

		var handled bool
		if h.cb.parser != nil {
			parsed, size, err := h.cb.parser(h.msg[:h.hdr.Size], h.hdr.Type, wire.VersionMinor)
			if err != nil {
				log.Printf("channel: failed to parse message type %d: %v", h.hdr.Type, err)
				h.cb.onError(rcc)
				return
			}
			handled = h.cb.handleParsed(rcc, size, h.hdr.Type, parsed)
		} else {
			handled = h.cb.handleMessage(rcc, &h.hdr, h.msg[:h.hdr.Size])
		}
		if h.shut {
			h.cb.onError(rcc)
			return
		}
		h.msgPos = 0
		h.msg = nil
		h.hdrPos = 0

		if !handled {
			h.cb.onError(rcc)
			return
		}
	}
}
