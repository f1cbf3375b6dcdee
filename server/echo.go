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

package main

import (
	"encoding/binary"
	"log"
	"net"
	"unsafe"

	"github.com/tobewalker/spice/channel"
	"github.com/tobewalker/spice/event"
	"github.com/tobewalker/spice/stream"
	"github.com/tobewalker/spice/wire"
)

const pipeItemEcho = channel.PipeItemChannelBase

// small messages land in the per-channel scratch buffer instead of a fresh
// allocation per frame
const recvScratchSize = 4096

// echoItem carries one echo reply through the pipe. The embedded PipeItem
// must stay the first field; the send path recovers the container from it.
type echoItem struct {
	channel.PipeItem
	payload []byte
	refs    int
}

func echoItemFrom(item *channel.PipeItem) *echoItem {
	return (*echoItem)(unsafe.Pointer(item))
}

// echoChannel bounces every channel-specific message back to the client. It
// exists to drive the runtime end to end; a real channel type plugs in the
// same way.
type echoChannel struct {
	ch      *channel.Channel
	scratch [recvScratchSize]byte
	quiet   bool
}

func newEchoChannel(core *event.Loop, config *Config) (*echoChannel, error) {
	e := &echoChannel{quiet: config.Quiet}
	ch, err := channel.New(core, false, !config.NoAcks, channel.Callbacks{
		ConfigSocket:   e.configSocket,
		Disconnect:     e.disconnect,
		HandleMessage:  e.handleMessage,
		AllocRecvBuf:   e.allocRecvBuf,
		ReleaseRecvBuf: e.releaseRecvBuf,
		HoldItem:       e.holdItem,
		SendItem:       e.sendItem,
		ReleaseItem:    e.releaseItem,

		HandleMigrateFlushMark:     e.handleMigrateFlushMark,
		HandleMigrateData:          e.handleMigrateData,
		HandleMigrateDataGetSerial: e.migrateDataSerial,
	})
	if err != nil {
		return nil, err
	}
	e.ch = ch
	return e, nil
}

// Attach binds a transport to the channel and opens the send window with a
// SET_ACK announcement.
func (e *echoChannel) Attach(st *stream.Stream, ackWindow int) error {
	rcc, err := e.ch.NewClient(st)
	if err != nil {
		return err
	}
	if ackWindow > 0 {
		rcc.AckSetClientWindow(uint32(ackWindow))
	}
	rcc.PushSetAck()
	rcc.InitOutgoingMessagesWindow()
	return nil
}

func (e *echoChannel) configSocket(rcc *channel.Client) bool {
	if st, ok := rcc.GetStream().(*stream.Stream); ok {
		if tc, ok := st.NetConn().(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				log.Println("SetNoDelay:", err)
				return false
			}
		}
	}
	return true
}

func (e *echoChannel) disconnect(rcc *channel.Client) {
	if !e.quiet {
		log.Println("echo: client gone,", e.ch.OutBytes(), "bytes sent")
	}
	e.ch.Disconnect()
}

func (e *echoChannel) handleMessage(rcc *channel.Client, hdr *wire.DataHeader, msg []byte) bool {
	switch hdr.Type {
	case wire.MsgcFirstAvail:
		// the receive buffer is reused for the next frame, the reply
		// needs its own copy
		item := &echoItem{payload: append([]byte(nil), msg...)}
		item.Init(pipeItemEcho)
		e.ch.PipeAddPush(&item.PipeItem)
		return true
	default:
		return rcc.HandleMessage(int(hdr.Size), hdr.Type, msg)
	}
}

func (e *echoChannel) allocRecvBuf(rcc *channel.Client, hdr *wire.DataHeader) []byte {
	if int(hdr.Size) <= len(e.scratch) {
		return e.scratch[:]
	}
	return make([]byte, hdr.Size)
}

func (e *echoChannel) releaseRecvBuf(rcc *channel.Client, hdr *wire.DataHeader, msg []byte) {
}

func (e *echoChannel) holdItem(rcc *channel.Client, item *channel.PipeItem) {
	echoItemFrom(item).refs++
}

func (e *echoChannel) sendItem(rcc *channel.Client, item *channel.PipeItem) {
	it := echoItemFrom(item)
	rcc.InitSendData(wire.MsgFirstAvail, item)
	rcc.Marshaller().AddByRef(it.payload)
	rcc.BeginSendMessage()
}

func (e *echoChannel) releaseItem(rcc *channel.Client, item *channel.PipeItem, pushed bool) {
	it := echoItemFrom(item)
	if it.refs > 0 {
		it.refs--
	}
	it.payload = nil
}

func (e *echoChannel) handleMigrateFlushMark(rcc *channel.Client) {
	log.Println("echo: migrate flush mark")
}

func (e *echoChannel) handleMigrateData(rcc *channel.Client, data []byte) {
	log.Println("echo: migrate data,", len(data), "bytes")
}

// migration data opens with the serial the source side stopped at
func (e *echoChannel) migrateDataSerial(rcc *channel.Client, data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(data)
}
