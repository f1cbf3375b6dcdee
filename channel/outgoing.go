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
	"log"
	"syscall"
)

// MaxSendVec bounds the scatter/gather vector length handed to one Writev.
// Messages larger than the vector covers are written in several rounds, with
// prepare reissued at the advanced position.
const MaxSendVec = 50

// outgoing callback table, shared by all clients of a channel
type outgoingCbs struct {
	getMsgSize func(rcc *Client) int
	prepare    func(rcc *Client, vec [][]byte, pos int) int
	onBlock    func(rcc *Client)
	onError    func(rcc *Client)
	onMsgDone  func(rcc *Client)
	onOutput   func(rcc *Client, n int)
}

// outgoingHandler holds the drain state of the current message: size is 0
// at quiescence, and pos tracks how much of the message has hit the wire.
type outgoingHandler struct {
	vecBuf  [MaxSendVec][]byte
	vecSize int
	pos     int
	size    int
	cb      *outgoingCbs
}

// handle drains the current outgoing message to completion or suspends on
// would-block.
func (h *outgoingHandler) handle(rcc *Client, stream Stream) {
	if h.size == 0 {
		h.size = h.cb.getMsgSize(rcc)
		if h.size == 0 { // nothing to be sent
			return
		}
	}

	for {
		h.vecSize = h.cb.prepare(rcc, h.vecBuf[:], h.pos)
		n, err := stream.Writev(h.vecBuf[:h.vecSize])
		if err != nil {
			if stderrors.Is(err, syscall.EAGAIN) {
				h.cb.onBlock(rcc)
				return
			}
			if stderrors.Is(err, syscall.EINTR) {
				continue
			}
			if !stderrors.Is(err, syscall.EPIPE) {
				log.Printf("channel: writev: %v", err)
			}
			h.cb.onError(rcc)
			return
		}
		h.pos += n
		h.cb.onOutput(rcc, n)
		if h.pos == h.size { // finished writing data
			h.cb.onMsgDone(rcc)
			h.pos = 0
			h.size = 0
			return
		}
	}
}
