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

// Package wire defines the fixed data header and the message-type constants
// every spice channel frames its traffic with.
package wire

import "encoding/binary"

// Every message on a channel starts with this header, little-endian on the
// wire:
//
//	| 8B serial | 2B type | 4B size | 4B sub_list |
const (
	HeaderSize = 18

	offSerial  = 0
	offType    = 8
	offSize    = 10
	offSubList = 14
)

// Protocol version reported to message parsers.
const (
	VersionMajor = 2
	VersionMinor = 2
)

// DataHeader is the decoded form of the fixed message header.
type DataHeader struct {
	Serial  uint64
	Type    uint16
	Size    uint32
	SubList uint32
}

// DecodeHeader parses a wire-format header. buf must hold HeaderSize bytes.
func DecodeHeader(buf []byte) DataHeader {
	return DataHeader{
		Serial:  binary.LittleEndian.Uint64(buf[offSerial:]),
		Type:    binary.LittleEndian.Uint16(buf[offType:]),
		Size:    binary.LittleEndian.Uint32(buf[offSize:]),
		SubList: binary.LittleEndian.Uint32(buf[offSubList:]),
	}
}

// EncodeHeader writes h into buf, which must hold HeaderSize bytes.
func EncodeHeader(buf []byte, h DataHeader) {
	binary.LittleEndian.PutUint64(buf[offSerial:], h.Serial)
	binary.LittleEndian.PutUint16(buf[offType:], h.Type)
	binary.LittleEndian.PutUint32(buf[offSize:], h.Size)
	binary.LittleEndian.PutUint32(buf[offSubList:], h.SubList)
}

// HeaderBuf is a writable view of a header reserved inside an outgoing
// message. The send pipeline stamps fields in place as the message is built.
type HeaderBuf []byte

func (b HeaderBuf) Serial() uint64  { return binary.LittleEndian.Uint64(b[offSerial:]) }
func (b HeaderBuf) Type() uint16    { return binary.LittleEndian.Uint16(b[offType:]) }
func (b HeaderBuf) Size() uint32    { return binary.LittleEndian.Uint32(b[offSize:]) }
func (b HeaderBuf) SubList() uint32 { return binary.LittleEndian.Uint32(b[offSubList:]) }

func (b HeaderBuf) SetSerial(v uint64)  { binary.LittleEndian.PutUint64(b[offSerial:], v) }
func (b HeaderBuf) SetType(v uint16)    { binary.LittleEndian.PutUint16(b[offType:], v) }
func (b HeaderBuf) SetSize(v uint32)    { binary.LittleEndian.PutUint32(b[offSize:], v) }
func (b HeaderBuf) SetSubList(v uint32) { binary.LittleEndian.PutUint32(b[offSubList:], v) }
