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

package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Server to client message types. Types below MsgFirstAvail are reserved for
// the channel core; channel-specific messages start at MsgFirstAvail.
const (
	MsgMigrate         uint16 = 1
	MsgMigrateData     uint16 = 2
	MsgSetAck          uint16 = 3
	MsgPing            uint16 = 4
	MsgWaitForChannels uint16 = 5
	MsgDisconnecting   uint16 = 6
	MsgNotify          uint16 = 7

	MsgFirstAvail uint16 = 101
)

// Client to server message types.
const (
	MsgcAckSync          uint16 = 1
	MsgcAck              uint16 = 2
	MsgcPong             uint16 = 3
	MsgcMigrateFlushMark uint16 = 4
	MsgcMigrateData      uint16 = 5
	MsgcDisconnecting    uint16 = 6

	MsgcFirstAvail uint16 = 101
)

// SetAck is the body of MsgSetAck: the server announces a new ack generation
// and the credit window the client should acknowledge against.
type SetAck struct {
	Generation uint32
	Window     uint32
}

const SetAckSize = 8

// Encode appends the wire form of a to buf.
func (a SetAck) Encode(buf []byte) []byte {
	var b [SetAckSize]byte
	binary.LittleEndian.PutUint32(b[0:], a.Generation)
	binary.LittleEndian.PutUint32(b[4:], a.Window)
	return append(buf, b[:]...)
}

// DecodeSetAck parses a MsgSetAck body.
func DecodeSetAck(body []byte) (SetAck, error) {
	if len(body) != SetAckSize {
		return SetAck{}, errors.Errorf("wire: bad SET_ACK size %d", len(body))
	}
	return SetAck{
		Generation: binary.LittleEndian.Uint32(body[0:]),
		Window:     binary.LittleEndian.Uint32(body[4:]),
	}, nil
}
