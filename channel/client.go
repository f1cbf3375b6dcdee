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
	"encoding/binary"
	"log"

	"github.com/pkg/errors"

	"github.com/tobewalker/spice/event"
	"github.com/tobewalker/spice/marshal"
	"github.com/tobewalker/spice/wire"
)

// ClientAckWindow is the default credit window granted to a client.
const ClientAckWindow = 20

// Stream is the byte transport a channel client owns. Read and Writev follow
// errno conventions: syscall.EAGAIN means would-block, syscall.EINTR means
// retry, syscall.EPIPE (and io.EOF on the read side) means the peer is gone.
// Partial reads and writes are normal.
type Stream interface {
	event.Source

	Read(p []byte) (int, error)
	Writev(vec [][]byte) (int, error)

	// Shutdown half-closes the transport and raises the shutdown flag;
	// reads fail from then on. Close frees it.
	Shutdown()
	IsShutdown() bool
	Close() error

	// SetWatch hands the transport its event-loop watch so readiness
	// transitions can wake it.
	SetWatch(w *event.Watch)
}

type sendState struct {
	m       *marshal.Marshaller
	header  wire.HeaderBuf // non-nil only while a message is being built
	item    *PipeItem      // item under send, if any
	size    int
	blocked bool
	serial  uint64
}

type ackState struct {
	generation       uint32
	clientGeneration uint32
	clientWindow     uint32
	messagesWindow   uint32
}

// Client is the per-connection state bound to a Channel.
type Client struct {
	channel *Channel
	stream  Stream
	watch   *event.Watch

	incoming incomingHandler
	outgoing outgoingHandler
	send     sendState
	ack      ackState

	duringSend bool
}

// NewClient binds a connected stream to the channel. The channel carries at
// most one client at a time. The messages window starts saturated, so on a
// channel that handles acks nothing is sent until InitOutgoingMessagesWindow
// opens it.
func (c *Channel) NewClient(stream Stream) (*Client, error) {
	if c.rcc != nil {
		return nil, errors.New("channel: already has a client")
	}
	rcc := &Client{channel: c, stream: stream}
	rcc.ack.messagesWindow = ^uint32(0) // blocks send until the window is opened
	rcc.ack.clientGeneration = ^uint32(0)
	rcc.ack.clientWindow = ClientAckWindow
	rcc.send.m = marshal.New()
	rcc.incoming.cb = &c.incomingCbs
	rcc.outgoing.cb = &c.outgoingCbs
	rcc.resetSendData0()

	if !c.cbs.ConfigSocket(rcc) {
		stream.Close()
		return nil, errors.New("channel: config_socket refused the stream")
	}

	rcc.watch = c.core.WatchAdd(stream, event.Read, rcc.onEvent)
	stream.SetWatch(rcc.watch)
	c.rcc = rcc
	return rcc, nil
}

func (rcc *Client) onEvent(ev event.Events) {
	if ev&event.Read != 0 {
		rcc.Receive()
	}
	if ev&event.Write != 0 {
		rcc.Push()
	}
}

// Receive pumps the framed reader.
func (rcc *Client) Receive() {
	rcc.incoming.handle(rcc, rcc.stream)
}

// Send pumps the vectored writer.
func (rcc *Client) Send() {
	rcc.outgoing.handle(rcc, rcc.stream)
}

// Push drains the pipe through the send pipeline. Re-entrant calls collapse
// into the outer frame.
func (rcc *Client) Push() {
	if rcc.duringSend {
		return
	}
	rcc.duringSend = true

	if rcc.send.blocked {
		rcc.Send()
	}

	for {
		item := rcc.pipeGet()
		if item == nil {
			break
		}
		rcc.sendItem(item)
	}
	rcc.duringSend = false
}

func (rcc *Client) waitingForAck() bool {
	return rcc.channel.handleAcks &&
		rcc.ack.messagesWindow > rcc.ack.clientWindow*2
}

func (rcc *Client) pipeGet() *PipeItem {
	if rcc == nil || rcc.send.blocked || rcc.waitingForAck() {
		return nil
	}
	item := rcc.channel.pipeTail()
	if item == nil {
		return nil
	}
	rcc.channel.pipeSize--
	item.unlink()
	return item
}

//
// send pipeline
//

// resetSendData0 rewinds the marshaller and reserves fresh header space
// without touching the serial; used once at client construction.
func (rcc *Client) resetSendData0() {
	rcc.send.m.Reset()
	rcc.send.header = wire.HeaderBuf(rcc.send.m.ReserveSpace(wire.HeaderSize))
	rcc.send.m.SetBase(wire.HeaderSize)
	rcc.send.header.SetType(0)
	rcc.send.header.SetSize(0)
	rcc.send.header.SetSubList(0)
}

func (rcc *Client) resetSendData() {
	rcc.resetSendData0()
	rcc.send.serial++
	rcc.send.header.SetSerial(rcc.send.serial)
}

// InitSendData stamps the message type and takes hold of the item whose
// payload the message carries. Must not be called while a message is in
// flight.
func (rcc *Client) InitSendData(msgType uint16, item *PipeItem) {
	if !rcc.NoItemBeingSent() {
		panic("channel: init_send_data while a message is in flight")
	}
	rcc.send.header.SetType(msgType)
	rcc.send.item = item
	if item != nil {
		rcc.channel.cbs.HoldItem(rcc, item)
	}
}

// BeginSendMessage seals the message under construction and kicks the
// writer. The header view is dropped so nothing can write into a message
// that is already on its way out.
func (rcc *Client) BeginSendMessage() {
	m := rcc.send.m
	if rcc.send.header.Type() == 0 {
		panic("channel: begin_send_message with no type set")
	}
	m.Flush()
	rcc.send.size = m.TotalSize()
	rcc.send.header.SetSize(uint32(rcc.send.size - wire.HeaderSize))
	rcc.ack.messagesWindow++
	rcc.send.header = nil
	rcc.Send()
}

func (rcc *Client) sendItem(item *PipeItem) {
	if !rcc.NoItemBeingSent() {
		panic("channel: send_item while a message is in flight")
	}
	rcc.resetSendData()
	switch item.Type {
	case PipeItemSetAck:
		rcc.sendSetAck()
	default:
		rcc.channel.cbs.SendItem(rcc, item)
	}
}

func (rcc *Client) sendSetAck() {
	rcc.InitSendData(wire.MsgSetAck, nil)
	rcc.ack.generation++
	ack := wire.SetAck{Generation: rcc.ack.generation, Window: rcc.ack.clientWindow}
	rcc.ack.messagesWindow = 0
	rcc.send.m.Add(ack.Encode(nil))
	rcc.BeginSendMessage()
}

func (rcc *Client) releaseItem(item *PipeItem, pushed bool) {
	rcc.channel.releaseItem(rcc, item, pushed)
}

// releaseSentItem completes the lifecycle of an item whose message fully
// went out.
func (rcc *Client) releaseSentItem() {
	if rcc.send.item != nil {
		rcc.releaseItem(rcc.send.item, true)
		rcc.send.item = nil
	}
}

// abandonSentItem releases an in-flight item whose message never completed,
// so the owner learns it did not go out.
func (rcc *Client) abandonSentItem() {
	if rcc.send.item != nil {
		rcc.releaseItem(rcc.send.item, false)
		rcc.send.item = nil
	}
}

// clearSentItem abandons the in-flight item and resets the writer.
func (rcc *Client) clearSentItem() {
	rcc.abandonSentItem()
	rcc.send.blocked = false
	rcc.send.size = 0
	rcc.outgoing.pos = 0
	rcc.outgoing.size = 0
}

//
// ack window
//

// PushSetAck queues a SET_ACK announcement for this client.
func (rcc *Client) PushSetAck() {
	rcc.channel.PipeAddType(PipeItemSetAck)
}

// InitOutgoingMessagesWindow opens the send window of a fresh client and
// kicks the pipeline.
func (rcc *Client) InitOutgoingMessagesWindow() {
	rcc.ack.messagesWindow = 0
	rcc.Push()
}

// AckZeroMessagesWindow resets the unacknowledged-messages counter.
func (rcc *Client) AckZeroMessagesWindow() {
	rcc.ack.messagesWindow = 0
}

// AckSetClientWindow overrides the credit window.
func (rcc *Client) AckSetClientWindow(window uint32) {
	rcc.ack.clientWindow = window
}

//
// inbound control messages
//

// HandleMessage processes the control messages the core owns. Channel types
// forward messages they do not recognize here; an unknown type is a protocol
// error.
func (rcc *Client) HandleMessage(size int, typ uint16, msg []byte) bool {
	switch typ {
	case wire.MsgcAckSync:
		if size != 4 {
			log.Printf("channel: bad ACK_SYNC size %d", size)
			return false
		}
		rcc.ack.clientGeneration = binary.LittleEndian.Uint32(msg)
	case wire.MsgcAck:
		if rcc.ack.clientGeneration == rcc.ack.generation {
			rcc.ack.messagesWindow -= rcc.ack.clientWindow
			rcc.Push()
		}
	case wire.MsgcDisconnecting:
	case wire.MsgcMigrateFlushMark:
		rcc.channel.handleMigrateFlushMark()
	case wire.MsgcMigrateData:
		rcc.handleMigrateData(msg)
	default:
		log.Printf("channel: invalid message type %d", typ)
		return false
	}
	return true
}

func (rcc *Client) handleMigrateData(msg []byte) {
	c := rcc.channel
	if c.cbs.HandleMigrateData == nil {
		return
	}
	if rcc.MessageSerial() != 0 {
		panic("channel: migration data for a client that already sent")
	}
	rcc.SetMessageSerial(c.cbs.HandleMigrateDataGetSerial(rcc, msg))
	c.cbs.HandleMigrateData(rcc, msg)
}

//
// lifecycle
//

// Shutdown removes the watch, half-closes the transport and raises the
// sticky reader flag so any in-progress handler terminates on return. The
// pipe is left for PipeClear. Calling it twice is a no-op the second time.
func (rcc *Client) Shutdown() {
	if rcc.stream != nil && !rcc.stream.IsShutdown() {
		rcc.channel.core.WatchRemove(rcc.watch)
		rcc.watch = nil
		rcc.stream.Shutdown()
		rcc.incoming.shut = true
	}
	rcc.abandonSentItem()
}

// Disconnect releases the in-flight item as unsent, frees the stream, resets
// the send state and severs the channel link.
func (rcc *Client) Disconnect() {
	if rcc.stream == nil {
		return
	}
	log.Printf("channel: disconnecting client of channel %p", rcc.channel)
	if rcc.watch != nil {
		rcc.channel.core.WatchRemove(rcc.watch)
		rcc.watch = nil
	}
	rcc.abandonSentItem()
	rcc.stream.Close()
	rcc.stream = nil
	rcc.send.blocked = false
	rcc.send.size = 0
	rcc.outgoing.pos = 0
	rcc.outgoing.size = 0
	rcc.channel.rcc = nil
}

// Destroy disconnects and drops the client.
func (rcc *Client) Destroy() {
	rcc.Disconnect()
}

//
// accessors and predicates
//

// Blocked reports whether the writer is suspended on would-block.
func (rcc *Client) Blocked() bool { return rcc != nil && rcc.send.blocked }

// NoItemBeingSent reports whether the writer is quiescent.
func (rcc *Client) NoItemBeingSent() bool { return rcc == nil || rcc.send.size == 0 }

// ItemBeingSent reports whether item is the one currently in flight.
func (rcc *Client) ItemBeingSent(item *PipeItem) bool { return rcc.send.item == item }

// SendMessagePending reports whether a message is being built but not yet
// handed to the writer.
func (rcc *Client) SendMessagePending() bool {
	return rcc.send.header != nil && rcc.send.header.Type() != 0
}

// MessageSerial returns the serial of the last stamped message.
func (rcc *Client) MessageSerial() uint64 { return rcc.send.serial }

// SetMessageSerial restores the serial, used by the migration handoff.
func (rcc *Client) SetMessageSerial(serial uint64) { rcc.send.serial = serial }

// Marshaller exposes the send marshaller to the channel type filling it.
func (rcc *Client) Marshaller() *marshal.Marshaller { return rcc.send.m }

// Header exposes the header view of the message under construction.
func (rcc *Client) Header() wire.HeaderBuf { return rcc.send.header }

// GetStream returns the transport the client owns.
func (rcc *Client) GetStream() Stream { return rcc.stream }

// Channel returns the channel this client is bound to.
func (rcc *Client) Channel() *Channel { return rcc.channel }

// PipeRemoveAndRelease unlinks a queued item and releases it as unsent.
func (rcc *Client) PipeRemoveAndRelease(item *PipeItem) {
	rcc.channel.PipeItemRemove(item)
	rcc.releaseItem(item, false)
}
